//go:build !unix

package policy

// Symlinks are still refused by O_EXCL on create.
const oNoFollow = 0
