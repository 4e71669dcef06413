package frame

func (h Header) IsControl() bool {
	return h.Opcode.IsControl()
}

func (h Header) IsData() bool {
	return h.Opcode.IsData()
}

// StartsMessage reports whether h is the first (or only) frame of a data message.
func (h Header) StartsMessage() bool {
	return h.IsData() && h.Opcode != OpcodeContinuation
}

func (h Header) IsUnfragmented() bool {
	return h.StartsMessage() && h.Fin
}

func (h Header) IsFirstFragment() bool {
	return h.StartsMessage() && !h.Fin
}

func (h Header) IsMiddleFragment() bool {
	return h.Opcode == OpcodeContinuation && !h.Fin
}

func (h Header) IsFinalFragment() bool {
	return h.Opcode == OpcodeContinuation && h.Fin
}
