package report

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so the same report always encodes to
// the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalCompileReport serializes a CompileReport to CBOR bytes.
func MarshalCompileReport(r *CompileReport) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalCompileReport deserializes a CompileReport from CBOR bytes.
func UnmarshalCompileReport(data []byte) (*CompileReport, error) {
	var r CompileReport
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: unmarshal compile report: %w", err)
	}
	return &r, nil
}

// MarshalStatsSnapshot serializes a StatsSnapshot to CBOR bytes.
func MarshalStatsSnapshot(s *StatsSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalStatsSnapshot deserializes a StatsSnapshot from CBOR bytes.
func UnmarshalStatsSnapshot(data []byte) (*StatsSnapshot, error) {
	var s StatsSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("report: unmarshal stats snapshot: %w", err)
	}
	return &s, nil
}

// MarshalHotSites serializes a hot-site list to CBOR bytes.
func MarshalHotSites(sites []HotSite) ([]byte, error) {
	return cborEncMode.Marshal(sites)
}

// UnmarshalHotSites deserializes a hot-site list from CBOR bytes.
func UnmarshalHotSites(data []byte) ([]HotSite, error) {
	var sites []HotSite
	if err := cbor.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("report: unmarshal hot sites: %w", err)
	}
	return sites, nil
}
