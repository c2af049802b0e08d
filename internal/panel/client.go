package panel

import (
	"context"
	"sort"

	"github.com/zjrosen/labelpanel/internal/monailabel"
)

// Client is the remote annotation service as the panel sees it.
// *monailabel.Client satisfies it.
type Client interface {
	Info(ctx context.Context) (monailabel.Response, error)
	Infer(ctx context.Context, model, image string, params map[string]any) (monailabel.InferResult, error)
	NextSample(ctx context.Context, strategy string, params map[string]any) (monailabel.Sample, error)
	SaveLabel(ctx context.Context, image string, label []byte, params map[string]any) error
	Train(ctx context.Context, params map[string]any) (map[string]any, error)
	StopTrain(ctx context.Context) error
}

// ClientFactory yields a client bound to the currently configured server.
type ClientFactory func() Client

// URLSource supplies the configured server URL.
type URLSource interface {
	ServerURL() string
}

// NewClientFactory returns a factory that reads the server URL from src on
// every call, so a settings change takes effect on the next request.
func NewClientFactory(src URLSource, opts ...monailabel.Option) ClientFactory {
	return func() Client {
		return monailabel.New(src.ServerURL(), opts...)
	}
}

// ViewUpdate is the payload of a segmentation-list update request.
type ViewUpdate struct {
	Response  monailabel.InferResult
	Labels    []string
	Operation string // "override" or "overlap"
	Slice     int    // -1 for the whole volume
	Overlap   bool
}

// Operations understood by the segmentation list.
const (
	OperationOverride = "override"
	OperationOverlap  = "overlap"
)

// ViewSink receives view updates. The segmentation list implements it.
type ViewSink interface {
	UpdateView(u ViewUpdate) error
}

// ServerInfo is the capability document returned by the annotation service.
type ServerInfo map[string]any

// ModelInfo describes one model advertised in ServerInfo.
type ModelInfo struct {
	Name        string
	Type        string
	Labels      []string
	Dimension   int
	Description string
	Config      map[string]any
}

// Name returns the advertised server name.
func (si ServerInfo) Name() string {
	s, _ := si["name"].(string)
	return s
}

// Empty reports whether no capabilities are known.
func (si ServerInfo) Empty() bool {
	return len(si) == 0
}

// Models returns the advertised models sorted by name.
func (si ServerInfo) Models() []ModelInfo {
	raw, _ := si["models"].(map[string]any)
	models := make([]ModelInfo, 0, len(raw))
	for name, v := range raw {
		m, _ := v.(map[string]any)
		info := ModelInfo{Name: name}
		info.Type, _ = m["type"].(string)
		info.Description, _ = m["description"].(string)
		if d, ok := m["dimension"].(float64); ok {
			info.Dimension = int(d)
		}
		info.Labels = stringList(m["labels"])
		info.Config, _ = m["config"].(map[string]any)
		models = append(models, info)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models
}

// ModelsOfType returns the models whose type is one of types.
func (si ServerInfo) ModelsOfType(types ...string) []ModelInfo {
	var out []ModelInfo
	for _, m := range si.Models() {
		for _, t := range types {
			if m.Type == t {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Strategies returns the advertised active learning strategy names, sorted.
func (si ServerInfo) Strategies() []string {
	raw, _ := si["strategies"].(map[string]any)
	out := make([]string, 0, len(raw))
	for name := range raw {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Labels returns the server-wide label names.
func (si ServerInfo) Labels() []string {
	return stringList(si["labels"])
}

// stringList accepts either a JSON array of strings or a label->index map.
func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]any:
		out := make([]string, 0, len(t))
		for k := range t {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	default:
		return nil
	}
}
