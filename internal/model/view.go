package model

// View is a snapshot of both ledgers' registry contents
type View struct {
	Origin      []Record `json:"origin"`
	Destination []Record `json:"destination"`
	Version     uint64   `json:"version"`
}

// Records returns the records for one ledger
func (v View) Records(id LedgerID) []Record {
	if id == LedgerDestination {
		return v.Destination
	}
	return v.Origin
}

// Clone returns a deep copy of the view
func (v View) Clone() View {
	return View{
		Origin:      CloneRecords(v.Origin),
		Destination: CloneRecords(v.Destination),
		Version:     v.Version,
	}
}

// CloneRecords copies a record slice; nil stays nil-safe as an empty slice
func CloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	copy(out, in)
	return out
}
