// Package extract is the universal file processor: a strategy chain
// that pulls patient identity out of device files. Structured DICOM
// metadata is tried first, then the device adapter, then filename
// conventions, then the OCR service, each with its own confidence
// threshold.
package extract

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/adapter"
	"github.com/irisemr/devicebridge/ocr"
)

// Extraction methods, in the order the chain tries them.
const (
	MethodStructured      = "structured-meta"
	MethodAdapter         = "adapter"
	MethodFilename        = "filename"
	MethodOCR             = "ocr"
	MethodFilenamePartial = "filename_partial"
)

// Acceptance thresholds per strategy.
const (
	structuredConfidence = 0.95
	adapterThreshold     = 0.70
	filenameThreshold    = 0.60
	ocrDefaultConfidence = 0.6
)

// PatientInfo is a best-effort identity extraction. All fields are
// optional; Confidence grades how much was found and how reliably.
type PatientInfo struct {
	FirstName   string     `json:"firstName,omitempty"`
	LastName    string     `json:"lastName,omitempty"`
	PatientID   string     `json:"patientId,omitempty"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Laterality  string     `json:"laterality,omitempty"`
	Confidence  float64    `json:"confidence"`
	Method      string     `json:"method,omitempty"`
}

// empty reports whether no identity field was found at all.
func (p *PatientInfo) empty() bool {
	return p == nil || (p.FirstName == "" && p.LastName == "" && p.PatientID == "" &&
		p.DateOfBirth == nil && p.Gender == "" && p.Laterality == "")
}

// fillFrom copies fields |other| has and |p| lacks. The receiver stays
// primary.
func (p *PatientInfo) fillFrom(other *PatientInfo) {
	if other == nil {
		return
	}
	if p.FirstName == "" {
		p.FirstName = other.FirstName
	}
	if p.LastName == "" {
		p.LastName = other.LastName
	}
	if p.PatientID == "" {
		p.PatientID = other.PatientID
	}
	if p.DateOfBirth == nil {
		p.DateOfBirth = other.DateOfBirth
	}
	if p.Gender == "" {
		p.Gender = other.Gender
	}
	if p.Laterality == "" {
		p.Laterality = other.Laterality
	}
}

// OCRService is the slice of the OCR client the processor uses; tests
// substitute a fake.
type OCRService interface {
	Process(ctx context.Context, req ocr.Request) (*ocr.Response, error)
	ExtractDICOM(ctx context.Context, filePath string) (*ocr.Response, error)
}

// Options tune one extraction.
type Options struct {
	// DeviceType hints the source device; empty means infer from the
	// path.
	DeviceType string
	// DisableOCR skips the OCR fallback strategy.
	DisableOCR bool
}

// Result is the outcome of one extraction.
type Result struct {
	Success          bool           `json:"success"`
	PatientInfo      *PatientInfo   `json:"patientInfo,omitempty"`
	Confidence       float64        `json:"confidence"`
	Method           string         `json:"method,omitempty"`
	DeviceType       string         `json:"deviceType,omitempty"`
	RawData          map[string]any `json:"rawData,omitempty"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	Error            string         `json:"error,omitempty"`
}

// StrategyCounts is the cumulative per-strategy accept tally.
type StrategyCounts struct {
	Structured int64 `json:"structured"`
	Adapter    int64 `json:"adapter"`
	Filename   int64 `json:"filename"`
	OCR        int64 `json:"ocr"`
	Partial    int64 `json:"partial"`
	Failed     int64 `json:"failed"`
}

// Processor runs the strategy chain.
type Processor struct {
	registry *adapter.Registry
	ocr      OCRService

	structured atomic.Int64
	adapter    atomic.Int64
	filename   atomic.Int64
	ocrHits    atomic.Int64
	partial    atomic.Int64
	failed     atomic.Int64
}

// NewProcessor returns a Processor. |svc| may be nil, which disables
// the structured-metadata and OCR strategies.
func NewProcessor(registry *adapter.Registry, svc OCRService) *Processor {
	return &Processor{registry: registry, ocr: svc}
}

// Counts snapshots the per-strategy tallies.
func (p *Processor) Counts() StrategyCounts {
	return StrategyCounts{
		Structured: p.structured.Load(),
		Adapter:    p.adapter.Load(),
		Filename:   p.filename.Load(),
		OCR:        p.ocrHits.Load(),
		Partial:    p.partial.Load(),
		Failed:     p.failed.Load(),
	}
}

// ProcessFile runs the chain over |localPath| and returns the first
// strategy result meeting its threshold. When everything falls short
// but the filename produced partial identity, that partial is returned
// under MethodFilenamePartial.
func (p *Processor) ProcessFile(ctx context.Context, localPath string, opts Options) *Result {
	var started = time.Now()
	var finish = func(r *Result) *Result {
		r.ProcessingTimeMs = time.Since(started).Milliseconds()
		if r.Method != "" {
			extractionsTotal.WithLabelValues(r.Method).Inc()
		}
		return r
	}

	var name = filepath.Base(localPath)
	var ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	var deviceType = opts.DeviceType
	if deviceType == "" {
		deviceType = DetectDeviceType(localPath)
	}

	// Strategy 1: structured DICOM metadata.
	if isDICOMExt(ext) && p.ocr != nil {
		if resp, err := p.ocr.ExtractDICOM(ctx, localPath); err != nil {
			log.WithField("file", name).WithError(err).Debug("DICOM metadata extraction failed")
		} else if info := infoFromExtracted(resp.ExtractedInfo); !info.empty() {
			info.Confidence = structuredConfidence
			info.Method = MethodStructured
			p.structured.Add(1)
			return finish(&Result{
				Success:     true,
				PatientInfo: info,
				Confidence:  info.Confidence,
				Method:      MethodStructured,
				DeviceType:  deviceType,
			})
		}
	}

	// Strategy 2: device adapter demographics.
	if deviceType != "" && p.registry != nil && p.registry.Has(deviceType) {
		if info, raw := p.tryAdapter(localPath, deviceType); info != nil && info.Confidence >= adapterThreshold {
			info.Method = MethodAdapter
			p.adapter.Add(1)
			return finish(&Result{
				Success:     true,
				PatientInfo: info,
				Confidence:  info.Confidence,
				Method:      MethodAdapter,
				DeviceType:  deviceType,
				RawData:     raw,
			})
		}
	}

	// Strategy 3: filename conventions.
	var fnInfo = ParseFilename(name, deviceType)
	if fnInfo != nil && fnInfo.Confidence >= filenameThreshold {
		fnInfo.Method = MethodFilename
		p.filename.Add(1)
		return finish(&Result{
			Success:     true,
			PatientInfo: fnInfo,
			Confidence:  fnInfo.Confidence,
			Method:      MethodFilename,
			DeviceType:  deviceType,
		})
	}

	// Strategy 4: OCR over images and PDFs.
	if p.ocr != nil && !opts.DisableOCR && (isImageExt(ext) || ext == "pdf") {
		if resp, err := p.ocr.Process(ctx, ocr.Request{FilePath: localPath, DeviceType: deviceType}); err != nil {
			log.WithField("file", name).WithError(err).Debug("OCR extraction failed")
		} else if info := infoFromExtracted(resp.ExtractedInfo); !info.empty() {
			// OCR is primary; filename partials plug its holes.
			info.fillFrom(fnInfo)
			info.Confidence = resp.OCRConfidence
			if info.Confidence <= 0 {
				info.Confidence = ocrDefaultConfidence
			}
			info.Method = MethodOCR
			p.ocrHits.Add(1)
			var raw map[string]any
			if resp.OCRText != "" {
				raw = map[string]any{"ocrText": resp.OCRText}
			}
			return finish(&Result{
				Success:     true,
				PatientInfo: info,
				Confidence:  info.Confidence,
				Method:      MethodOCR,
				DeviceType:  deviceType,
				RawData:     raw,
			})
		}
	}

	// Every strategy fell short. A partial filename hit is still worth
	// returning for operator review.
	if !fnInfo.empty() {
		fnInfo.Method = MethodFilenamePartial
		p.partial.Add(1)
		return finish(&Result{
			Success:     true,
			PatientInfo: fnInfo,
			Confidence:  fnInfo.Confidence,
			Method:      MethodFilenamePartial,
			DeviceType:  deviceType,
		})
	}

	p.failed.Add(1)
	extractionFailures.Inc()
	return finish(&Result{
		Success:    false,
		DeviceType: deviceType,
		Error:      "Unable to extract patient information",
	})
}

// tryAdapter parses the file with the device adapter and extracts
// demographics from the first reading.
func (p *Processor) tryAdapter(localPath, deviceType string) (*PatientInfo, map[string]any) {
	var a = p.registry.Lookup(deviceType)
	var de, ok = a.(adapter.DemographicsExtractor)
	if !ok {
		return nil, nil
	}
	readings, err := a.ParseFile(localPath)
	if err != nil || len(readings) == 0 {
		if err != nil {
			log.WithFields(log.Fields{"file": filepath.Base(localPath), "deviceType": deviceType}).
				WithError(err).Debug("adapter parse failed")
		}
		return nil, nil
	}
	var d = de.ExtractDemographics(readings[0])
	if d == nil {
		return nil, nil
	}

	var info = &PatientInfo{
		FirstName:  d.FirstName,
		LastName:   d.LastName,
		PatientID:  d.PatientID,
		Gender:     normalizeGender(d.Gender),
		Laterality: d.Laterality,
		Confidence: d.Confidence,
	}
	if t, ok := ParseDate(d.DateOfBirth); ok {
		info.DateOfBirth = &t
	}
	return info, map[string]any(readings[0])
}

// infoFromExtracted converts the OCR service's identity block.
func infoFromExtracted(e *ocr.ExtractedInfo) *PatientInfo {
	if e == nil {
		return &PatientInfo{}
	}
	var info = &PatientInfo{
		FirstName:  strings.TrimSpace(e.FirstName),
		LastName:   strings.TrimSpace(e.LastName),
		PatientID:  strings.TrimSpace(e.PatientID),
		Gender:     normalizeGender(e.Gender),
		Laterality: ExtractLaterality(e.Laterality),
	}
	if t, ok := ParseDate(e.DateOfBirth); ok {
		info.DateOfBirth = &t
	}
	return info
}

func normalizeGender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "homme", "masculin":
		return "male"
	case "f", "female", "femme", "féminin", "feminin":
		return "female"
	}
	return ""
}

func isDICOMExt(ext string) bool { return ext == "dcm" || ext == "dicom" }

func isImageExt(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff":
		return true
	}
	return false
}
