package bus

import "time"

// Event kinds published by this module. Store changes use
// "change.<table>.<op>" built by ChangeKind.
const (
	KindChangePrefix        = "change."
	KindViewStatusChanged   = "view.status_changed"
	KindViewSendFailed      = "view.send_failed"
	KindViewEchoConfirmed   = "view.echo_confirmed"
	KindViewReadConfirmFail = "view.read_confirm_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ChangeKind returns the event kind for a change of op on table.
func ChangeKind(table, op string) string {
	return KindChangePrefix + table + "." + op
}

// ChangePrefix returns the subscription prefix matching every change on table.
func ChangePrefix(table string) string {
	return KindChangePrefix + table + "."
}
