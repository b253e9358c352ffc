package negotiation

type State int32

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateOfferSent:     "offer-sent",
	StateOfferReceived: "offer-received",
	StateAnswered:      "answered",
	StateConnected:     "connected",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
