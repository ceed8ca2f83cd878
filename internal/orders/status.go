package orders

type Status int

const (
	StatusUnpaid    Status = 1
	StatusPaid      Status = 2
	StatusFinished  Status = 3
	StatusCancelled Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusUnpaid:
		return "UNPAID"
	case StatusPaid:
		return "PAID"
	case StatusFinished:
		return "FINISHED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

var validNext = map[Status]map[Status]bool{
	StatusUnpaid:    {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {StatusFinished: true},
	StatusFinished:  {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CancelResult tells what a cancellation did.
type CancelResult int

const (
	CancelSkipped   CancelResult = iota // order was not unpaid
	CancelDone                          // order cancelled, stock returned
	CancelPaidFirst                     // its pay order succeeded first; mark it paid instead
)
