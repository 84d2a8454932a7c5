//go:build !linux

package simulator

import "os"

// makeRaw is a no-op off Linux; the bridge's own driver puts the port in
// raw mode when it opens it.
func makeRaw(*os.File) error {
	return nil
}
