package channel

// billboardPermanentSlots bounds the number of permanent status lines kept
// per channel (spec §3: "a fixed-length array of permanent status strings
// plus one transient").
const billboardPermanentSlots = 4

// Billboard holds the operator-readable status lines for one channel.
type Billboard struct {
	permanent [billboardPermanentSlots]string
	count     int
	transient string
}

// AddPermanent appends a new permanent status line, evicting the oldest
// entry once the fixed-size array is full.
func (b *Billboard) AddPermanent(line string) {
	if b.count < billboardPermanentSlots {
		b.permanent[b.count] = line
		b.count++
		return
	}
	copy(b.permanent[:], b.permanent[1:])
	b.permanent[billboardPermanentSlots-1] = line
}

// SetTransient replaces the single transient status line.
func (b *Billboard) SetTransient(line string) {
	b.transient = line
}

// ClearTransient removes the transient status line, e.g. once a pending
// action that produced it has resolved.
func (b *Billboard) ClearTransient() {
	b.transient = ""
}

// Lines returns the permanent lines (in insertion order) followed by the
// transient line if set, matching the shape the listpeers read-model
// exposes (spec §4.2).
func (b *Billboard) Lines() []string {
	lines := make([]string, 0, b.count+1)
	for i := 0; i < b.count; i++ {
		lines = append(lines, b.permanent[i])
	}
	if b.transient != "" {
		lines = append(lines, b.transient)
	}
	return lines
}
