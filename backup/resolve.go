package backup

import (
	"context"
	"fmt"
	"strings"
)

// DeviceResolver maps a partition reference from a request to a device node.
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, ref string) (string, error)
}

// tagFinder resolves LABEL=/UUID=/PARTUUID= tags.
type tagFinder interface {
	FindFS(ctx context.Context, tag string) (string, error)
}

type deviceResolver struct {
	finder tagFinder
}

// NewDeviceResolver returns the default DeviceResolver. Absolute paths are
// returned unchanged, bare kernel names such as mmcblk0p5 get a /dev/ prefix
// and tags are looked up with findfs.
func NewDeviceResolver(ops *BlockOps) DeviceResolver {
	return deviceResolver{finder: ops}
}

func (r deviceResolver) ResolveDevice(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", fmt.Errorf("%w: empty partition reference", ErrInvalidRequest)
	case strings.HasPrefix(ref, "/"):
		return ref, nil
	case isTag(ref):
		dev, err := r.finder.FindFS(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", ref, err)
		}
		return dev, nil
	case strings.ContainsRune(ref, '/'):
		return "", fmt.Errorf("%w: bad partition reference %q", ErrInvalidRequest, ref)
	default:
		return "/dev/" + ref, nil
	}
}

func isTag(ref string) bool {
	for _, prefix := range []string{"LABEL=", "UUID=", "PARTUUID=", "PARTLABEL="} {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}
