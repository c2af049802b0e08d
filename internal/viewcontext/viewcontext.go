// Package viewcontext derives the immutable identity context for the study
// and series shown in the active viewport. Every action module scopes its
// requests and client-side caches with it.
package viewcontext

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/viewer"
)

// ErrContextResolution matches every ContextResolutionError via errors.Is.
var ErrContextResolution = errors.New("view context could not be resolved")

// ContextResolutionError reports why derivation failed. The panel must not
// mount action modules when it sees one.
type ContextResolutionError struct {
	Index  int
	Reason string
}

func (e *ContextResolutionError) Error() string {
	return fmt.Sprintf("resolving view context for viewport %d: %s", e.Index, e.Reason)
}

// Is lets errors.Is(err, ErrContextResolution) succeed.
func (e *ContextResolutionError) Is(target error) bool {
	return target == ErrContextResolution
}

// ImageIndex lists the ordered frame identities of a series.
type ImageIndex interface {
	ListFrameIdentities(studies []viewer.Study, studyUID, seriesUID string) []string
}

// SurfaceRegistry resolves the display surface bound to a viewport index.
type SurfaceRegistry interface {
	SurfaceForIndex(index int) (viewer.Surface, bool)
}

// ViewContext is the identity of the active study/series. It is built whole
// by Derive and never mutated afterwards; accessors return copies.
type ViewContext struct {
	ActiveIndex           int
	PatientID             string
	StudyInstanceUID      string
	SeriesInstanceUID     string
	DisplaySetInstanceUID string
	FrameCount            int
	Surface               viewer.Surface
	Fingerprint           string

	imageIDs     []string
	indexByImage map[string]int
}

// Derive builds the ViewContext for the viewport at activeIndex.
func Derive(viewports []viewer.Viewport, studies []viewer.Study, activeIndex int, index ImageIndex, surfaces SurfaceRegistry) (ViewContext, error) {
	fail := func(format string, args ...any) (ViewContext, error) {
		err := &ContextResolutionError{Index: activeIndex, Reason: fmt.Sprintf(format, args...)}
		log.ErrorErr(log.CatContext, "view context derivation failed", err)
		return ViewContext{}, err
	}

	if activeIndex < 0 || activeIndex >= len(viewports) {
		return fail("active index out of range (%d viewports)", len(viewports))
	}
	if activeIndex >= len(studies) {
		return fail("active index out of range (%d studies)", len(studies))
	}

	vp := viewports[activeIndex]
	if vp.StudyInstanceUID == "" || vp.SeriesInstanceUID == "" {
		return fail("viewport has no study or series instance uid")
	}

	study := owningStudy(studies, activeIndex, vp.StudyInstanceUID)
	if study.PatientID == "" {
		return fail("study %s has no patient id", vp.StudyInstanceUID)
	}

	if index == nil {
		return fail("no image index")
	}
	if surfaces == nil {
		return fail("no render surface registry")
	}

	// A series without frames still resolves, with an empty mapping.
	imageIDs := index.ListFrameIdentities(studies, vp.StudyInstanceUID, vp.SeriesInstanceUID)
	indexByImage := make(map[string]int, len(imageIDs))
	for i, id := range imageIDs {
		if _, dup := indexByImage[id]; dup {
			return fail("duplicate frame identity %q", id)
		}
		indexByImage[id] = i
	}

	surface, ok := surfaces.SurfaceForIndex(activeIndex)
	if !ok {
		return fail("no render surface bound")
	}

	vc := ViewContext{
		ActiveIndex:           activeIndex,
		PatientID:             study.PatientID,
		StudyInstanceUID:      vp.StudyInstanceUID,
		SeriesInstanceUID:     vp.SeriesInstanceUID,
		DisplaySetInstanceUID: vp.DisplaySetInstanceUID,
		FrameCount:            len(imageIDs),
		Surface:               surface,
		Fingerprint:           Fingerprint(study.PatientID, vp.StudyInstanceUID, vp.SeriesInstanceUID),
		imageIDs:              slices.Clone(imageIDs),
		indexByImage:          indexByImage,
	}
	log.Debug(log.CatContext, "view context derived",
		"series", vc.SeriesInstanceUID, "frames", vc.FrameCount, "fingerprint", vc.Fingerprint)
	return vc, nil
}

// owningStudy prefers the study whose UID matches the viewport and falls back
// to the study at the active index.
func owningStudy(studies []viewer.Study, activeIndex int, studyUID string) viewer.Study {
	for _, st := range studies {
		if st.StudyInstanceUID == studyUID {
			return st
		}
	}
	return studies[activeIndex]
}

// Fingerprint digests the identity triple. Fields are joined with the ASCII
// unit separator, which never appears in DICOM UIDs or patient ids.
func Fingerprint(patientID, studyUID, seriesUID string) string {
	h := sha256.New()
	h.Write([]byte(patientID))
	h.Write([]byte{0x1f})
	h.Write([]byte(studyUID))
	h.Write([]byte{0x1f})
	h.Write([]byte(seriesUID))
	return hex.EncodeToString(h.Sum(nil))
}

// IsZero reports whether the context was never derived.
func (vc ViewContext) IsZero() bool {
	return vc.Fingerprint == ""
}

// IndexOf returns the ordinal of a frame identity.
func (vc ViewContext) IndexOf(imageID string) (int, bool) {
	i, ok := vc.indexByImage[imageID]
	return i, ok
}

// ImageIDAt returns the frame identity at an ordinal.
func (vc ViewContext) ImageIDAt(i int) (string, bool) {
	if i < 0 || i >= len(vc.imageIDs) {
		return "", false
	}
	return vc.imageIDs[i], true
}

// ImageIndexByIdentity returns a copy of the identity to ordinal mapping.
func (vc ViewContext) ImageIndexByIdentity() map[string]int {
	return maps.Clone(vc.indexByImage)
}

// ImageIDs returns the frame identities in acquisition order.
func (vc ViewContext) ImageIDs() []string {
	return slices.Clone(vc.imageIDs)
}

// SameSeries reports whether another context addresses the same series, in
// which case re-derivation can be skipped.
func (vc ViewContext) SameSeries(other ViewContext) bool {
	return vc.Fingerprint == other.Fingerprint && vc.ActiveIndex == other.ActiveIndex
}
