// Package viewer models the slice of the image viewer the panel depends on:
// the loaded studies, the viewports showing them, the frame index utility and
// the render surfaces bound to each viewport.
package viewer

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Instance is a single image (frame) of a series.
type Instance struct {
	SOPInstanceUID string `yaml:"sop_instance_uid"`
	InstanceNumber int    `yaml:"instance_number"`
	// ImageID is the viewer's per-frame identity. Derived from the UIDs when empty.
	ImageID string `yaml:"image_id,omitempty"`
}

// Series groups the instances of one acquisition.
type Series struct {
	SeriesInstanceUID string     `yaml:"series_instance_uid"`
	Modality          string     `yaml:"modality,omitempty"`
	Description       string     `yaml:"description,omitempty"`
	Instances         []Instance `yaml:"instances"`
}

// Study is a patient study as loaded by the viewer.
type Study struct {
	PatientID        string   `yaml:"patient_id"`
	PatientName      string   `yaml:"patient_name,omitempty"`
	StudyInstanceUID string   `yaml:"study_instance_uid"`
	Series           []Series `yaml:"series"`
}

// Viewport is a display slot showing one display set.
type Viewport struct {
	StudyInstanceUID      string `yaml:"study_instance_uid"`
	SeriesInstanceUID     string `yaml:"series_instance_uid"`
	DisplaySetInstanceUID string `yaml:"display_set_instance_uid"`
}

// Layout is the viewer state handed to the panel on mount.
type Layout struct {
	Studies     []Study    `yaml:"studies"`
	Viewports   []Viewport `yaml:"viewports"`
	ActiveIndex int        `yaml:"active_index"`
}

// LoadLayout reads a viewer layout from a YAML file.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a user-supplied fixture
	if err != nil {
		return Layout{}, fmt.Errorf("reading layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout decodes a YAML viewer layout.
func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("parsing layout: %w", err)
	}
	return l, nil
}

// imageID returns the frame identity, derived from the UIDs when unset.
func (i Instance) imageID(studyUID, seriesUID string) string {
	if i.ImageID != "" {
		return i.ImageID
	}
	return fmt.Sprintf("wadors:/studies/%s/series/%s/instances/%s/frames/1", studyUID, seriesUID, i.SOPInstanceUID)
}

// Index lists frame identities for a series in acquisition order.
type Index struct{}

// ListFrameIdentities returns the image ids of the series ordered by
// instance number. Instances sharing a number keep their loaded order.
func (Index) ListFrameIdentities(studies []Study, studyUID, seriesUID string) []string {
	for _, st := range studies {
		if st.StudyInstanceUID != studyUID {
			continue
		}
		for _, se := range st.Series {
			if se.SeriesInstanceUID != seriesUID {
				continue
			}
			instances := make([]Instance, len(se.Instances))
			copy(instances, se.Instances)
			sort.SliceStable(instances, func(a, b int) bool {
				return instances[a].InstanceNumber < instances[b].InstanceNumber
			})
			ids := make([]string, 0, len(instances))
			for _, inst := range instances {
				ids = append(ids, inst.imageID(studyUID, seriesUID))
			}
			return ids
		}
	}
	return nil
}

// Surface is the opaque display surface a viewport renders into.
type Surface struct {
	Index int
	ID    string
}

// Surfaces is the render-surface registry, one surface per viewport.
type Surfaces struct {
	surfaces []Surface
}

// NewSurfaces allocates a surface for each of n viewports.
func NewSurfaces(n int) *Surfaces {
	s := &Surfaces{surfaces: make([]Surface, n)}
	for i := range s.surfaces {
		s.surfaces[i] = Surface{Index: i, ID: fmt.Sprintf("viewport-%d", i)}
	}
	return s
}

// SurfaceForIndex returns the surface bound to a viewport index.
func (s *Surfaces) SurfaceForIndex(index int) (Surface, bool) {
	if s == nil || index < 0 || index >= len(s.surfaces) {
		return Surface{}, false
	}
	return s.surfaces[index], true
}
