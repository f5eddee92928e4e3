//go:build !nativepatch_checked

package buildoptions

// Checked is true when built with the nativepatch_checked tag. Unchecked
// constructors of instruction views verify the bytes they are given only in
// checked builds, as `if buildoptions.Checked { ... }` blocks which are
// optimized out of regular binaries.
const Checked = false
