//go:build !(linux || darwin)

package otnet

import "net"

// SO_REUSEPORT is not available; the option is ignored.
func listenConfig(bool) net.ListenConfig {
	return net.ListenConfig{}
}
