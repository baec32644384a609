package registry

import (
	"net/url"
	"strings"
)

// StaticDirectory is an InstanceDirectory over a fixed, configured list.
type StaticDirectory struct {
	instances []Instance
	byID      map[string]Instance
}

// NewStaticDirectory builds a directory. Instances with an empty id are
// skipped; later duplicates are ignored.
func NewStaticDirectory(instances []Instance) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[string]Instance, len(instances))}
	for _, inst := range instances {
		if inst.ID == "" {
			continue
		}
		if _, dup := d.byID[inst.ID]; dup {
			continue
		}
		inst.URL = strings.TrimRight(inst.URL, "/")
		d.byID[inst.ID] = inst
		d.instances = append(d.instances, inst)
	}
	return d
}

func (d *StaticDirectory) GetInstance(id string) (Instance, bool) {
	inst, ok := d.byID[id]
	return inst, ok
}

// SelectBestInstance prefers the instance whose host matches targetURL and
// falls back to the first configured instance.
func (d *StaticDirectory) SelectBestInstance(targetURL string) (Instance, bool) {
	if len(d.instances) == 0 {
		return Instance{}, false
	}
	target, err := url.Parse(targetURL)
	if err == nil && target.Host != "" {
		for _, inst := range d.instances {
			u, err := url.Parse(inst.URL)
			if err != nil {
				continue
			}
			if strings.EqualFold(u.Host, target.Host) {
				return inst, true
			}
		}
	}
	return d.instances[0], true
}

// Instances returns the configured instances in configuration order.
func (d *StaticDirectory) Instances() []Instance {
	return append([]Instance(nil), d.instances...)
}
