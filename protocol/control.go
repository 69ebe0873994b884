package protocol

// Control bytes understood by the simulator.
const (
	CmdStep      byte = 'S'
	CmdRequest   byte = 'R'
	CmdReset     byte = 'X'
	CmdEmergency byte = 'E'
)

// FloorInRange reports whether floor can be sent to the simulator.
func FloorInRange(floor int) bool {
	return floor >= MinFloor && floor <= MaxFloor
}

// ControlBytes returns the bytes that encode m, split into the individual writes the simulator expects.
// ok is false when m has nothing to send, which is the case for out of range floor requests.
func ControlBytes(m ClientMessage) (writes [][]byte, ok bool) {
	switch m.Type {
	case TypeStep:
		return [][]byte{{CmdStep}}, true
	case TypeRequest:
		if !FloorInRange(m.Floor) {
			return nil, false
		}
		return [][]byte{{CmdRequest}, {byte('0' + m.Floor)}}, true
	case TypeReset:
		return [][]byte{{CmdReset}}, true
	case TypeEmergency:
		v := byte('0')
		if m.Value {
			v = '1'
		}
		return [][]byte{{CmdEmergency}, {v}}, true
	default:
		return nil, false
	}
}
