//go:build linux

package nfq

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

// resolveInterface validates name, or for "auto" picks the interface
// carrying the default route (the outward-facing link).
func resolveInterface(name string) (string, error) {
	if name != "auto" {
		if _, err := netlink.LinkByName(name); err != nil {
			return "", fmt.Errorf("interface %q does not exist: %w", name, err)
		}
		return name, nil
	}

	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("failed to list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("failed to resolve default route link: %w", err)
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no default route found, cannot pick interface automatically")
}
