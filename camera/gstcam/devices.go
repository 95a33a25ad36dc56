package gstcam

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go2tv.app/screenrec/camera"
)

// AutoDevice lets GStreamer pick the platform camera.
const AutoDevice = "auto"

var (
	devGlob  = "/dev/video*"
	sysClass = "/sys/class/video4linux"
)

// Devices lists V4L2 capture nodes, lowest index first. The lowest node is
// the default. Without any node it returns the auto device.
func Devices(ctx context.Context) ([]camera.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes, err := filepath.Glob(devGlob)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodeIndex(nodes[i]) < nodeIndex(nodes[j]) })

	var out []camera.DeviceInfo
	for _, node := range nodes {
		base := filepath.Base(node)
		if !isCaptureNode(base) {
			continue
		}
		out = append(out, camera.DeviceInfo{
			ID:   node,
			Name: deviceName(base),
		})
	}
	if len(out) == 0 {
		return []camera.DeviceInfo{{ID: AutoDevice, Name: "Default camera", Default: true}}, nil
	}
	out[0].Default = true
	return out, nil
}

func nodeIndex(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return 1 << 30
	}
	return n
}

func deviceName(base string) string {
	b, err := os.ReadFile(filepath.Join(sysClass, base, "name"))
	if err != nil {
		return base
	}
	if name := strings.TrimSpace(string(b)); name != "" {
		return name
	}
	return base
}

// isCaptureNode filters out the metadata nodes UVC drivers expose next to
// each camera. Those report index 1 in sysfs.
func isCaptureNode(base string) bool {
	b, err := os.ReadFile(filepath.Join(sysClass, base, "index"))
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(b)) == "0"
}

// Permission reports whether the default camera node can be opened.
func Permission(ctx context.Context) (bool, error) {
	devices, err := Devices(ctx)
	if err != nil {
		return false, err
	}
	id := devices[0].ID
	if id == AutoDevice {
		return true, nil
	}
	f, err := os.OpenFile(id, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}
