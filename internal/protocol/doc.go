// Package protocol owns the rank-to-rank wire contract.
//
// Ownership boundary:
// - fixed header framing with an optional auth block
// - tlv payload fields
// - hello and tensor message encoding
package protocol
