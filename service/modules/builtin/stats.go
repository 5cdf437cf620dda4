package builtin

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/metrics"

	"github.com/jirutka/knot-resolver/service/bridge"
	"github.com/jirutka/knot-resolver/service/modules"
)

// Stats names may use dots, unlike plain Prometheus names.
var statsNameRegex = regexp.MustCompile(`^[a-zA-Z_:.][a-zA-Z0-9_:.]*$`)

func init() {
	modules.RegisterNative("stats", func() *modules.Plugin {
		return &modules.Plugin{
			Init: func(_ modules.Host, m *modules.Module) error {
				m.Data = metrics.NewSet()
				return nil
			},
			Props: []modules.Prop{
				{Name: "get", Fn: statsGet},
				{Name: "set", Fn: statsSet},
				{Name: "list", Fn: statsList},
				{Name: "prometheus", Fn: statsPrometheus},
			},
		}
	})
}

func statsGet(_ modules.Host, m *modules.Module, name modules.Arg) (string, error) {
	set := m.Data.(*metrics.Set)
	if name.Text == "" {
		return "", ErrMissingArgument
	}
	// Reading must not create the counter.
	if !slices.Contains(set.ListMetricNames(), name.Text) {
		return "", nil
	}
	return bridge.Encode(set.GetOrCreateFloatCounter(name.Text).Get()), nil
}

// statsSet takes "name value", the value must be a number.
func statsSet(_ modules.Host, m *modules.Module, arg modules.Arg) (string, error) {
	set := m.Data.(*metrics.Set)
	name, value, ok := strings.Cut(strings.TrimSpace(arg.Text), " ")
	if !ok || name == "" {
		return "", fmt.Errorf("%w: expected \"name value\"", ErrMissingArgument)
	}
	if !statsNameRegex.MatchString(name) {
		return "", fmt.Errorf("invalid name %q", name)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return "", fmt.Errorf("invalid value %q", value)
	}
	set.GetOrCreateFloatCounter(name).Set(v)
	return bridge.Encode(v), nil
}

func statsList(_ modules.Host, m *modules.Module, _ modules.Arg) (string, error) {
	set := m.Data.(*metrics.Set)
	names := set.ListMetricNames()
	slices.Sort(names)

	obj := bridge.NewObject()
	for _, name := range names {
		obj.Set(name, set.GetOrCreateFloatCounter(name).Get())
	}
	return bridge.Encode(obj), nil
}

// statsPrometheus returns the counters in the Prometheus text format.
func statsPrometheus(_ modules.Host, m *modules.Module, _ modules.Arg) (string, error) {
	var buf bytes.Buffer
	m.Data.(*metrics.Set).WritePrometheus(&buf)
	return bridge.Encode(buf.String()), nil
}
