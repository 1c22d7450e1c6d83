// Package hook is the per-submodule activation controller.
//
// Ownership boundary:
// - normalizing every hook kind's arguments to one container value
// - unpacking and repacking the activation via the tree codec
// - the Unbound -> Bound pipeline lifecycle
// - collect, offload, edit, disperse, and the shard shape check
//
// Hooks of one session share a SharedState by reference. Nothing in it is
// locked; the host model's execution order serialises hook calls.
package hook
