package interp

// handlerEntry is a snapshot of machine state to restore when a THROW
// reaches this handler: the frame it was pushed in, the operand stack
// depth at that point, and the catch-block pc to resume at.
type handlerEntry struct {
	fpOffset int
	spOffset int
	pcOffset int
	fn       *Function // function owning fpOffset's frame
}

// handlerStack is the LIFO try/catch registration list. PUSHTRY appends
// an entry, POPTRY removes the most recent one, and THROW pops the most
// recent one and resumes at it; entries carry no class, so every
// handler accepts any thrown value.
type handlerStack struct {
	entries []handlerEntry
}

func (h *handlerStack) push(e handlerEntry) {
	h.entries = append(h.entries, e)
}

func (h *handlerStack) pop() (handlerEntry, bool) {
	if len(h.entries) == 0 {
		return handlerEntry{}, false
	}
	last := len(h.entries) - 1
	e := h.entries[last]
	h.entries = h.entries[:last]
	return e, true
}

func (h *handlerStack) empty() bool { return len(h.entries) == 0 }

func (h *handlerStack) reset() { h.entries = h.entries[:0] }

// unwindOne restores the stack's fp/sp and current function to the
// values recorded when the handler was pushed; the caller sets the pc
// to the handler's pcOffset. Unlike
// a frame-by-frame RET walk, this restores state in one step from the
// snapshot, since intervening frames between the throw site and the
// handler's frame are simply discarded rather than individually torn
// down.
func (s *Stack) unwindOne(e handlerEntry) {
	s.fp = e.fpOffset
	s.sp = e.spOffset
	s.fn = e.fn
}
