package panel

import "fmt"

// Config sections, keyed first by section then by model or strategy name.
const (
	SectionInfer          = "infer"
	SectionTrain          = "train"
	SectionActiveLearning = "activelearning"
	SectionScoring        = "scoring"
)

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	return Config(cloneMap(c))
}

// Params returns a copy of the settings under section/name, or an empty
// map when there are none.
func (c Config) Params(section, name string) map[string]any {
	sec, _ := c[section].(map[string]any)
	entry, _ := sec[name].(map[string]any)
	if entry == nil {
		return map[string]any{}
	}
	return cloneMap(entry)
}

// NewClient yields a client from the factory, or ErrServiceUnavailable
// when none is configured.
func (s Services) NewClient() (Client, error) {
	if s.Client == nil {
		return nil, fmt.Errorf("%w: no client factory", ErrServiceUnavailable)
	}
	c := s.Client()
	if c == nil {
		return nil, fmt.Errorf("%w: no client", ErrServiceUnavailable)
	}
	return c, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Config:
		return Config(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
