package regime

// DebounceState is the persisted form of a Debouncer.
type DebounceState struct {
	Current   string `json:"current" msgpack:"current"`
	Candidate string `json:"candidate" msgpack:"candidate"`
	Streak    int    `json:"streak" msgpack:"streak"`
}

// Debouncer requires a raw classification to repeat Count times in a row
// before it is reported as the current regime.
type Debouncer struct {
	count     int
	current   Regime
	candidate Regime
	streak    int
}

// NewDebouncer creates a Debouncer starting at initial. count < 1 is treated as 1.
func NewDebouncer(count int, initial Regime) *Debouncer {
	if count < 1 {
		count = 1
	}
	return &Debouncer{count: count, current: initial, candidate: initial}
}

// Observe feeds one raw classification and returns the debounced regime and
// whether it changed on this call.
func (d *Debouncer) Observe(raw Regime) (Regime, bool) {
	if raw == d.current {
		d.candidate = raw
		d.streak = 0
		return d.current, false
	}
	if raw == d.candidate {
		d.streak++
	} else {
		d.candidate = raw
		d.streak = 1
	}
	if d.streak >= d.count {
		d.current = raw
		d.streak = 0
		return d.current, true
	}
	return d.current, false
}

// Current returns the debounced regime.
func (d *Debouncer) Current() Regime {
	return d.current
}

// Pin overrides the current regime and discards any pending candidate.
func (d *Debouncer) Pin(r Regime) {
	d.current = r
	d.candidate = r
	d.streak = 0
}

// State exports the debouncer for checkpointing.
func (d *Debouncer) State() DebounceState {
	return DebounceState{
		Current:   d.current.Label(),
		Candidate: d.candidate.Label(),
		Streak:    d.streak,
	}
}

// Restore loads a previously exported state.
func (d *Debouncer) Restore(s DebounceState) error {
	current, err := Parse(s.Current)
	if err != nil {
		return err
	}
	candidate, err := Parse(s.Candidate)
	if err != nil {
		return err
	}
	d.current = current
	d.candidate = candidate
	d.streak = s.Streak
	return nil
}
