package enum

// PositionSide long, short
type PositionSide uint8

const (
	_position_side_beg PositionSide = iota
	PositionSideLong
	PositionSideShort
	_position_side_end
)

func (s PositionSide) IsAvailable() bool {
	return s > _position_side_beg && s < _position_side_end
}

func (s PositionSide) String() string {
	switch s {
	case PositionSideLong:
		return "Long"
	case PositionSideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for long exposure, -1 for short.
func (s PositionSide) Sign() int {
	switch s {
	case PositionSideLong:
		return 1
	case PositionSideShort:
		return -1
	default:
		return 0
	}
}

// FromOrderSide maps an opening order side to the position direction.
func (s PositionSide) FromOrderSide() Side {
	switch s {
	case PositionSideLong:
		return SideBuy
	case PositionSideShort:
		return SideSell
	default:
		return 0
	}
}

// StopPolicy percent trail, volatility distance trail
type StopPolicy uint8

const (
	_stop_policy_beg StopPolicy = iota
	StopPolicyPercent
	StopPolicyVolatility
	_stop_policy_end
)

func (p StopPolicy) IsAvailable() bool {
	return p > _stop_policy_beg && p < _stop_policy_end
}

// SignalAction buy, sell, hold, close
type SignalAction uint8

const (
	_signal_action_beg SignalAction = iota
	SignalActionBuy
	SignalActionSell
	SignalActionHold
	SignalActionClose
	_signal_action_end
)

func (a SignalAction) IsAvailable() bool {
	return a > _signal_action_beg && a < _signal_action_end
}

func (a SignalAction) String() string {
	switch a {
	case SignalActionBuy:
		return "Buy"
	case SignalActionSell:
		return "Sell"
	case SignalActionHold:
		return "Hold"
	case SignalActionClose:
		return "Close"
	default:
		return "Unknown"
	}
}
