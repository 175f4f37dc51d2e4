package domain

import (
	"encoding/json"
	"time"
)

const (
	WalkInCustomerID      = "walk-in"
	UncategorizedCategory = "Uncategorized"
	SettingsDocumentID    = "app"
)

type Actor struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	AccountID string `json:"account_id"`
}

type Product struct {
	ID                 string    `json:"id"`
	ProductCode        string    `json:"product_code"`
	Name               string    `json:"name"`
	Price              float64   `json:"price"`
	CostPrice          float64   `json:"cost_price"`
	Stock              int       `json:"stock"`
	DiscountPercentage float64   `json:"discount_percentage"`
	Category           string    `json:"category"`
	LastUpdated        time.Time `json:"last_updated"`
}

type ProductCreateRequest struct {
	ProductCode        string  `json:"product_code"`
	Name               string  `json:"name"`
	Price              float64 `json:"price"`
	CostPrice          float64 `json:"cost_price"`
	Stock              int     `json:"stock"`
	DiscountPercentage float64 `json:"discount_percentage"`
	Category           string  `json:"category"`
}

type StockAdjustmentRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

type Customer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email,omitempty"`
	Address    string    `json:"address,omitempty"`
	JoinedDate time.Time `json:"joined_date"`
}

type CustomerCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

type OpeningBalanceType string

const (
	// OpeningBalancePayable is money the shop owes the supplier.
	OpeningBalancePayable OpeningBalanceType = "payable"
	// OpeningBalanceReceivable is money the supplier owes the shop, such as an advance.
	OpeningBalanceReceivable OpeningBalanceType = "receivable"
)

type Supplier struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	CompanyName        string             `json:"company_name,omitempty"`
	Phone              string             `json:"phone,omitempty"`
	OpeningBalance     float64            `json:"opening_balance"`
	OpeningBalanceType OpeningBalanceType `json:"opening_balance_type"`
	CurrentBalance     float64            `json:"current_balance"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// OpeningSeed is the signed contribution of the opening balance to CurrentBalance.
func (s Supplier) OpeningSeed() float64 {
	if s.OpeningBalanceType == OpeningBalanceReceivable {
		return -s.OpeningBalance
	}
	return s.OpeningBalance
}

type SupplierCreateRequest struct {
	Name               string             `json:"name"`
	CompanyName        string             `json:"company_name"`
	Phone              string             `json:"phone"`
	OpeningBalance     float64            `json:"opening_balance"`
	OpeningBalanceType OpeningBalanceType `json:"opening_balance_type"`
}

type SupplierPayment struct {
	ID         string    `json:"id"`
	SupplierID string    `json:"supplier_id"`
	Amount     float64   `json:"amount"`
	Notes      string    `json:"notes,omitempty"`
	PaidAt     time.Time `json:"paid_at"`
}

type SupplierPaymentRequest struct {
	Amount float64 `json:"amount"`
	Notes  string  `json:"notes"`
}

type SupplierReconciliation struct {
	SupplierID string  `json:"supplier_id"`
	Expected   float64 `json:"expected"`
	Actual     float64 `json:"actual"`
	Difference float64 `json:"difference"`
	Balanced   bool    `json:"balanced"`
}

type SaleType string

const (
	SaleTypeRegular SaleType = "REGULAR"
	SaleTypeInstant SaleType = "INSTANT"
)

type Sale struct {
	ID                 string     `json:"id"`
	NumericSaleID      int64      `json:"numeric_sale_id"`
	SaleType           SaleType   `json:"sale_type"`
	CustomerID         string     `json:"customer_id"`
	CustomerName       string     `json:"customer_name"`
	Items              []SaleItem `json:"items"`
	SubTotal           float64    `json:"sub_total"`
	DiscountAmount     float64    `json:"discount_amount"`
	GrandTotal         float64    `json:"grand_total"`
	EstimatedTotalCOGS float64    `json:"estimated_total_cogs"`
	SaleDate           time.Time  `json:"sale_date"`
}

type SaleRequest struct {
	SaleType       SaleType   `json:"sale_type"`
	Items          []SaleItem `json:"items"`
	DiscountAmount float64    `json:"discount_amount"`
	CustomerID     string     `json:"customer_id"`
	CustomerName   string     `json:"customer_name"`
}

type Quotation struct {
	ID                 string     `json:"id"`
	NumericQuotationID int64      `json:"numeric_quotation_id"`
	CustomerName       string     `json:"customer_name"`
	Items              []SaleItem `json:"items"`
	SubTotal           float64    `json:"sub_total"`
	DiscountAmount     float64    `json:"discount_amount"`
	GrandTotal         float64    `json:"grand_total"`
	ValidUntil         *time.Time `json:"valid_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type QuotationRequest struct {
	CustomerName   string     `json:"customer_name"`
	Items          []SaleItem `json:"items"`
	DiscountAmount float64    `json:"discount_amount"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
}

type PaymentStatus string

const (
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusUnpaid        PaymentStatus = "unpaid"
)

type PurchaseItem struct {
	ProductID     string  `json:"product_id"`
	ProductCode   string  `json:"product_code"`
	Name          string  `json:"name"`
	Quantity      int     `json:"quantity"`
	PurchasePrice float64 `json:"purchase_price"`
	LineTotal     float64 `json:"line_total"`
	NewProduct    bool    `json:"new_product"`
}

type PurchaseInvoice struct {
	ID                string         `json:"id"`
	NumericPurchaseID int64          `json:"numeric_purchase_id"`
	SupplierID        string         `json:"supplier_id"`
	SupplierName      string         `json:"supplier_name"`
	InvoiceNumber     string         `json:"invoice_number,omitempty"`
	Items             []PurchaseItem `json:"items"`
	SubTotal          float64        `json:"sub_total"`
	TaxAmount         float64        `json:"tax_amount"`
	GrandTotal        float64        `json:"grand_total"`
	AmountPaid        float64        `json:"amount_paid"`
	PaymentStatus     PaymentStatus  `json:"payment_status"`
	Notes             string         `json:"notes,omitempty"`
	InvoiceDate       time.Time      `json:"invoice_date"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Owed is the part of the invoice still owed to the supplier.
func (p PurchaseInvoice) Owed() float64 {
	return p.GrandTotal - p.AmountPaid
}

type PurchaseInvoiceRequest struct {
	SupplierID    string         `json:"supplier_id"`
	InvoiceNumber string         `json:"invoice_number"`
	Items         []PurchaseLine `json:"items"`
	TaxAmount     float64        `json:"tax_amount"`
	AmountPaid    float64        `json:"amount_paid"`
	Notes         string         `json:"notes"`
	InvoiceDate   *time.Time     `json:"invoice_date,omitempty"`
}

type AdjustmentType string

const (
	AdjustmentAdd    AdjustmentType = "add"
	AdjustmentDeduct AdjustmentType = "deduct"
)

type StockRestore string

const (
	StockRestored      StockRestore = "restored"
	StockSkipped       StockRestore = "skipped"
	StockNotApplicable StockRestore = "not_applicable"
)

type Return struct {
	ID               string         `json:"id"`
	NumericReturnID  int64          `json:"numeric_return_id"`
	OriginalSaleID   string         `json:"original_sale_id,omitempty"`
	CustomerName     string         `json:"customer_name,omitempty"`
	Items            []ReturnItem   `json:"items"`
	SubtotalReturned float64        `json:"subtotal_returned"`
	AdjustmentAmount float64        `json:"adjustment_amount"`
	AdjustmentType   AdjustmentType `json:"adjustment_type"`
	NetRefundAmount  float64        `json:"net_refund_amount"`
	Reason           string         `json:"reason,omitempty"`
	ReturnDate       time.Time      `json:"return_date"`
}

type ReturnRequest struct {
	OriginalSaleID   string         `json:"original_sale_id"`
	CustomerName     string         `json:"customer_name"`
	Items            []ReturnItem   `json:"items"`
	AdjustmentAmount float64        `json:"adjustment_amount"`
	AdjustmentType   AdjustmentType `json:"adjustment_type"`
	Reason           string         `json:"reason"`
}

type LedgerEntryType string

const (
	LedgerSaleIncome            LedgerEntryType = "sale_income"
	LedgerPurchasePayment       LedgerEntryType = "purchase_payment"
	LedgerSupplierPayment       LedgerEntryType = "supplier_payment"
	LedgerManualAdjustment      LedgerEntryType = "manual_adjustment"
	LedgerStockAdjustmentCredit LedgerEntryType = "stock_adjustment_credit"
	LedgerSaleReturn            LedgerEntryType = "sale_return"
)

type BusinessTransaction struct {
	ID                string          `json:"id"`
	Date              time.Time       `json:"date"`
	Type              LedgerEntryType `json:"type"`
	Amount            float64         `json:"amount"`
	RelatedDocumentID string          `json:"related_document_id,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

type CashAdjustmentRequest struct {
	Amount float64 `json:"amount"`
	Notes  string  `json:"notes"`
}

type CashReconciliation struct {
	LedgerTotal float64   `json:"ledger_total"`
	CashBalance float64   `json:"cash_balance"`
	Difference  float64   `json:"difference"`
	Balanced    bool      `json:"balanced"`
	Entries     int       `json:"entries"`
	CheckedAt   time.Time `json:"checked_at"`
}

type ActivityType string

const (
	ActivitySaleRecorded           ActivityType = "sale_recorded"
	ActivityStockDecreased         ActivityType = "stock_decreased"
	ActivityStockIncreased         ActivityType = "stock_increased"
	ActivityStockAdjusted          ActivityType = "stock_adjusted"
	ActivityProductCreated         ActivityType = "product_created"
	ActivityProductDeleted         ActivityType = "product_deleted"
	ActivityPurchaseRecorded       ActivityType = "purchase_recorded"
	ActivityPurchaseUpdated        ActivityType = "purchase_updated"
	ActivitySupplierBalanceChanged ActivityType = "supplier_balance_changed"
	ActivitySupplierCreated        ActivityType = "supplier_created"
	ActivitySupplierPayment        ActivityType = "supplier_payment"
	ActivityReturnRecorded         ActivityType = "return_recorded"
	ActivityReturnItem             ActivityType = "return_item"
	ActivityCustomerCreated        ActivityType = "customer_created"
	ActivityCustomerDeleted        ActivityType = "customer_deleted"
	ActivityQuotationCreated       ActivityType = "quotation_created"
	ActivityCashAdjusted           ActivityType = "cash_adjusted"
	ActivitySettingsUpdated        ActivityType = "settings_updated"
	ActivityBackupCreated          ActivityType = "backup_created"
	ActivityBackupRestored         ActivityType = "backup_restored"
	ActivityAccountReset           ActivityType = "account_reset"
)

type ActivityLogEntry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        ActivityType   `json:"type"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Actor       string         `json:"actor,omitempty"`
}

type BackupConfig struct {
	Enabled        bool       `json:"enabled"`
	IntervalHours  int        `json:"interval_hours"`
	RetentionCount int        `json:"retention_count"`
	LastBackupAt   *time.Time `json:"last_backup_at,omitempty"`
}

type AppSettings struct {
	LowStockThreshold      int          `json:"low_stock_threshold"`
	LastSaleNumericID      int64        `json:"last_sale_numeric_id"`
	LastPurchaseNumericID  int64        `json:"last_purchase_numeric_id"`
	LastQuotationNumericID int64        `json:"last_quotation_numeric_id"`
	LastReturnNumericID    int64        `json:"last_return_numeric_id"`
	Currency               string       `json:"currency"`
	CurrentBusinessCash    float64      `json:"current_business_cash"`
	WalkInCustomerName     string       `json:"walk_in_customer_name"`
	Categories             []string     `json:"categories"`
	ShopNames              []string     `json:"shop_names"`
	Backup                 BackupConfig `json:"backup"`
	TotalProducts          int          `json:"total_products"`
	TotalSuppliers         int          `json:"total_suppliers"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

func DefaultSettings() AppSettings {
	return AppSettings{
		LowStockThreshold:  5,
		Currency:           "USD",
		WalkInCustomerName: "Walk-in Customer",
		Categories:         []string{UncategorizedCategory},
		ShopNames:          []string{},
		Backup: BackupConfig{
			IntervalHours:  24,
			RetentionCount: 7,
		},
	}
}

// SettingsUpdate holds the preference fields a settings screen may change.
// Counters, the cash balance and the product/supplier totals are not part of it.
type SettingsUpdate struct {
	LowStockThreshold  *int          `json:"low_stock_threshold,omitempty"`
	Currency           *string       `json:"currency,omitempty"`
	WalkInCustomerName *string       `json:"walk_in_customer_name,omitempty"`
	Categories         *[]string     `json:"categories,omitempty"`
	ShopNames          *[]string     `json:"shop_names,omitempty"`
	Backup             *BackupConfig `json:"backup,omitempty"`
}

type BackupSnapshot struct {
	ID          string                       `json:"id"`
	CreatedAt   time.Time                    `json:"created_at"`
	Settings    AppSettings                  `json:"settings"`
	Collections map[string][]json.RawMessage `json:"collections"`
	Counts      map[string]int               `json:"counts"`
}

// BackupSummary is a BackupSnapshot without its payload.
type BackupSummary struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Counts    map[string]int `json:"counts"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// UserAccount is an API login. Password may be plain text from configuration;
// the auth manager hashes it on load.
type UserAccount struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	AccountID string `json:"account_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	AccountID   string `json:"account_id"`
	ExpiresAt   string `json:"expires_at"`
}
