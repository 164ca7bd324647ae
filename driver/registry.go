package driver

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	muRegistry        sync.Mutex
	registeredDrivers = make(map[string]Driver)
)

// Register makes a driver available for lookup by Get under its Name. It is meant
// to be called from the driver package's init function. Registering a second driver
// under the same name replaces the first, with a warning.
func Register(d Driver) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	name := d.Name()
	if _, found := registeredDrivers[name]; found {
		klog.Warningf("driver %q registered more than once, replacing previous registration", name)
	}
	registeredDrivers[name] = d
	klog.V(1).Infof("registered driver %q", name)
}

// Get returns the driver registered under the given name.
func Get(name string) (Driver, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	d, found := registeredDrivers[name]
	if !found {
		return nil, errors.Errorf("driver %q not registered, available drivers: %v -- "+
			"drivers register themselves when their package is imported, e.g. "+
			`import _ "github.com/gomlx/gomultigpu/driver/host"`, name, availableLocked())
	}
	return d, nil
}

// Available returns the names of all registered drivers, sorted.
func Available() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return availableLocked()
}

func availableLocked() []string {
	names := make([]string, 0, len(registeredDrivers))
	for name := range registeredDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
