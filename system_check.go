package tweezer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
)

// SysctlGetter reads one kernel parameter by its dotted name.
type SysctlGetter func(name string) (string, error)

type kernelSetting struct {
	name string
	want string
	ok   func(v int) bool
}

// Kernel settings that affect how quickly a shot's segment swap is serviced.
var latencySettings = []kernelSetting{
	{"vm.swappiness", "<= 10", func(v int) bool { return v <= 10 }},
	{"kernel.sched_rt_runtime_us", "-1 (no RT throttling)", func(v int) bool { return v == -1 }},
	{"vm.max_map_count", ">= 65530", func(v int) bool { return v >= 65530 }},
}

// CheckSystem compares kernel parameters against the values wanted for low
// swap latency. Unreadable parameters are skipped. A nil get reads /proc/sys.
func CheckSystem(get SysctlGetter) error {
	if get == nil {
		get = sysctl.Get
	}
	var errs []error
	for _, ks := range latencySettings {
		text, err := get(ks.name)
		if err != nil {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s = %q is not an integer", ks.name, text))
			continue
		}
		if !ks.ok(v) {
			errs = append(errs, fmt.Errorf("%s = %d, want %s", ks.name, v, ks.want))
		}
	}
	return errors.Join(errs...)
}
