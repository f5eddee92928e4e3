//go:build nativepatch_checked

package buildoptions

const Checked = true
