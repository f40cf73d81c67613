package taskname

const (
	// Deal settlement tasks; event task types live in pkg/event.
	DealSettle = "deal:settle"
	DealRefund = "deal:refund"
)
