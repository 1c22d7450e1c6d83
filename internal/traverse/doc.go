// Package traverse owns the tree codec used to find activation tensors inside
// arbitrary layer outputs.
//
// Ownership boundary:
// - node variants (internal, leaf, scalar) and structural equality
// - the injectable type registry
// - flatten/unflatten and single-leaf unpack/repack
//
// Flatten and Unflatten visit nodes in the same depth-first order. Leaves are
// consumed first to last, so a template flattened from x and the leaves
// flattened from x always rebuild a structurally equal x.
package traverse
