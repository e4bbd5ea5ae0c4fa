package join

import (
	"github.com/rotisserie/eris"
)

// Kind discriminates the two record types. It is fixed when a record is
// ingested and never inferred from payload shape afterwards.
type Kind uint8

const (
	// KindPOI is a point of interest carrying tags.
	KindPOI Kind = iota + 1
	// KindSubject is a subject point (e.g. a post) matched against POIs.
	KindSubject
)

func (k Kind) String() string {
	switch k {
	case KindPOI:
		return "poi"
	case KindSubject:
		return "subject"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindPOI, KindSubject:
		return []byte(k.String()), nil
	default:
		return nil, eris.Errorf("join: invalid kind %d", k)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "poi":
		*k = KindPOI
	case "subject":
		*k = KindSubject
	default:
		return eris.Errorf("join: unknown kind %q", b)
	}
	return nil
}

// Record is a POI or a Subject.
type Record interface {
	Kind() Kind
	Point() (lon, lat float64)
	record()
}

// POI is a point of interest with its tags.
type POI struct {
	Lon  float64           `json:"lon"`
	Lat  float64           `json:"lat"`
	Tags map[string]string `json:"tags"`
}

func (POI) Kind() Kind { return KindPOI }
func (p POI) Point() (float64, float64) { return p.Lon, p.Lat }
func (POI) record() {}

// Subject is a point whose nearby POIs are counted.
type Subject struct {
	Lon         float64 `json:"lon"`
	Lat         float64 `json:"lat"`
	UserID      string  `json:"user_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Text        string  `json:"text,omitempty"`
}

func (Subject) Kind() Kind { return KindSubject }
func (s Subject) Point() (float64, float64) { return s.Lon, s.Lat }
func (Subject) record() {}

// Envelope is the wire form of a Phase 1 emission.
type Envelope struct {
	Region  string   `json:"region"`
	Kind    Kind     `json:"kind"`
	POI     *POI     `json:"poi,omitempty"`
	Subject *Subject `json:"subject,omitempty"`
}

// Wrap builds the envelope for a record emitted under region.
func Wrap(region string, r Record) Envelope {
	env := Envelope{Region: region, Kind: r.Kind()}
	switch v := r.(type) {
	case POI:
		env.POI = &v
	case *POI:
		env.POI = v
	case Subject:
		env.Subject = &v
	case *Subject:
		env.Subject = v
	}
	return env
}

// Record returns the record carried by the envelope. The payload must match
// the declared kind.
func (e Envelope) Record() (Record, error) {
	switch e.Kind {
	case KindPOI:
		if e.POI == nil {
			return nil, eris.New("join: poi envelope without poi payload")
		}
		return *e.POI, nil
	case KindSubject:
		if e.Subject == nil {
			return nil, eris.New("join: subject envelope without subject payload")
		}
		return *e.Subject, nil
	default:
		return nil, eris.Errorf("join: envelope kind %d", e.Kind)
	}
}

// RecordEmitter receives Phase 1 output.
type RecordEmitter func(region string, r Record) error

// CountEmitter receives Phase 2 output.
type CountEmitter func(region, tag string, n int) error
