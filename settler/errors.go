package settler

import "errors"

// Validation errors.
var (
	ErrOrderOpenExpired           = errors.New("order open deadline passed")
	ErrOrderFillExpired           = errors.New("order fill deadline passed")
	ErrOrderFillNotExpired        = errors.New("order fill deadline not reached")
	ErrInvalidGaslessOrderSettler = errors.New("gasless order names another settler")
	ErrInvalidGaslessOrderOrigin  = errors.New("gasless order origin is not the local domain")
	ErrInvalidOrderID             = errors.New("origin data does not hash to the order id")
	ErrInvalidOrderDomain         = errors.New("order destination is not the local domain")
	ErrInvalidDestination         = errors.New("order destination has no enrolled router")
	ErrMixedOriginDomains         = errors.New("orders in a batch have different origin domains")
	ErrEmptyBatch                 = errors.New("empty batch")
	ErrInsufficientGasPayment     = errors.New("payment below gas quote")
)

// State errors.
var ErrInvalidOrderStatus = errors.New("invalid order status")

// Routing errors.
var (
	ErrRouterNotEnrolled  = errors.New("no router enrolled for domain")
	ErrUnauthorizedSender = errors.New("message sender is not an enrolled router")
)
