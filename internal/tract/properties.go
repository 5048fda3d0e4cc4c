package tract

import (
	"fmt"
	"sort"
	"strconv"
)

// Properties is the string-keyed run parameter map shared between the
// tracking engine and the track-file header, plus the three ROI collections
// used by the acceptance pipeline. It is loaded once before tracking begins
// and treated as read-only while workers are running.
type Properties struct {
	values map[string]string

	Include []ROI
	Exclude []ROI
	Mask    []ROI
}

func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Get returns the stored value for key, if any.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Put stores value under key unconditionally.
func (p *Properties) Put(key, value string) {
	p.values[key] = value
}

// Keys returns all stored keys in sorted order.
func (p *Properties) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored key/value pairs.
func (p *Properties) Len() int {
	return len(p.values)
}

// The Set* accessors implement the fill-or-insert contract: if the key is
// already present its stored value is parsed into target (a previously
// specified value always wins), otherwise the current value of target is
// recorded under the key. Each numeric key is therefore effectively
// write-once per run.

func (p *Properties) SetFloat(target *float32, key string) error {
	if v, ok := p.values[key]; ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("property %q: invalid value %q: %w", key, v, err)
		}
		*target = float32(f)
		return nil
	}
	p.values[key] = strconv.FormatFloat(float64(*target), 'g', -1, 32)
	return nil
}

func (p *Properties) SetUint(target *uint64, key string) error {
	if v, ok := p.values[key]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("property %q: invalid value %q: %w", key, v, err)
		}
		*target = n
		return nil
	}
	p.values[key] = strconv.FormatUint(*target, 10)
	return nil
}

func (p *Properties) SetBool(target *bool, key string) error {
	if v, ok := p.values[key]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("property %q: invalid value %q: %w", key, v, err)
		}
		*target = b
		return nil
	}
	p.values[key] = strconv.FormatBool(*target)
	return nil
}
