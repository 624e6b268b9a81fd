package backend

// Account is a provisioned backend account: one custodial wallet with
// its admin (spend) and invoice (read/receive) credentials.
type Account struct {
	ID         string
	Name       string
	AdminKey   string
	InvoiceKey string
}

// Invoice is a backend-issued payment request.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	CheckingID     string
}

// --- JSON wire formats ---
// Field names use snake_case to match the backend API.

type createAccountRequest struct {
	Name string `json:"name"`
}

type createAccountResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AdminKey   string `json:"adminkey"`
	InvoiceKey string `json:"inkey"`
}

type walletResponse struct {
	Name string `json:"name"`
	// Balance is in millisatoshis, the smallest unit the backend reports.
	Balance int64 `json:"balance"`
}

type createInvoiceRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
	Unit   string `json:"unit"`
}

type createInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	CheckingID     string `json:"checking_id"`
}

type apiErrorResponse struct {
	Detail string `json:"detail"`
}
