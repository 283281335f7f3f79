package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldClientIP     = "client_ip"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldQuery        = "query"
	FieldStatusCode   = "status_code"
	FieldDuration     = "duration_ms"
	FieldUserAgent    = "user_agent"
	FieldReferer      = "referer"
	FieldSuccess      = "success"
	FieldError        = "error"
	FieldErrorKind    = "error_kind"
	FieldDefect       = "defect"
	FieldOperation    = "operation"
	FieldHousehold    = "household_id"
	FieldExpenseID    = "expense_id"
	FieldPaymentID    = "payment_id"
	FieldEventID      = "event_id"
	FieldEventType    = "event_type"
	FieldAmountMinor  = "amount_minor"
	FieldCurrency     = "currency"
	FieldStatus       = "payment_status"
	FieldTransactions = "transactions"
	FieldRefreshed    = "refreshed"
	FieldSpreadsheet  = "spreadsheet_id"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentSettlement = "settlement"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentSheets     = "sheets"
	ComponentCache      = "cache"
	ComponentCurrency   = "currency"
	ComponentRateLimit  = "rate_limit"
	ComponentTrace      = "trace"
	ComponentBackend    = "backend"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpRead     = "read"
	OpDelete   = "delete"
	OpList     = "list"
	OpAppend   = "append"
	OpConfirm  = "confirm"
	OpFail     = "fail"
	OpUndo     = "undo"
	OpBalances = "balances"
	OpSimplify = "simplify"
	OpApply    = "apply"
	OpExport   = "export"
	OpPublish  = "publish"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithClientIP adds client IP field
func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithHousehold(id int64) LogFields {
	f[FieldHousehold] = id
	return f
}

// WithMoney adds an amount in minor units and its currency.
func (f LogFields) WithMoney(amountMinor int64, currency string) LogFields {
	f[FieldAmountMinor] = amountMinor
	f[FieldCurrency] = currency
	return f
}

// With adds an arbitrary field.
func (f LogFields) With(key string, value any) LogFields {
	f[key] = value
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent, referer string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	f[FieldReferer] = referer
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
