package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type LineKind string

const (
	LineKindInventory LineKind = "inventory"
	LineKindManual    LineKind = "manual"
)

// LineRef is what a sale, quotation or return line points at: an InventoryLine
// backed by a stocked product, or a ManualLine that never touches stock.
type LineRef interface {
	Kind() LineKind
	sealedLineRef()
}

type InventoryLine struct {
	ProductID   string
	ProductCode string
}

func (InventoryLine) Kind() LineKind { return LineKindInventory }
func (InventoryLine) sealedLineRef() {}

type ManualLine struct {
	Description string
}

func (ManualLine) Kind() LineKind { return LineKindManual }
func (ManualLine) sealedLineRef() {}

type lineRefJSON struct {
	Kind        LineKind `json:"kind"`
	ProductID   string   `json:"product_id,omitempty"`
	ProductCode string   `json:"product_code,omitempty"`
	Description string   `json:"description,omitempty"`
}

func encodeLineRef(ref LineRef) lineRefJSON {
	switch r := ref.(type) {
	case InventoryLine:
		return lineRefJSON{Kind: LineKindInventory, ProductID: r.ProductID, ProductCode: r.ProductCode}
	case ManualLine:
		return lineRefJSON{Kind: LineKindManual, Description: r.Description}
	default:
		return lineRefJSON{}
	}
}

func decodeLineRef(raw lineRefJSON) (LineRef, error) {
	switch raw.Kind {
	case LineKindInventory:
		if strings.TrimSpace(raw.ProductID) == "" {
			return nil, errors.New("inventory line requires product_id")
		}
		return InventoryLine{ProductID: raw.ProductID, ProductCode: raw.ProductCode}, nil
	case LineKindManual:
		return ManualLine{Description: raw.Description}, nil
	default:
		return nil, fmt.Errorf("unknown line kind %q", raw.Kind)
	}
}

type SaleItem struct {
	Ref       LineRef `json:"-"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	CostPrice float64 `json:"cost_price"`
	LineTotal float64 `json:"line_total"`
}

func (i SaleItem) MarshalJSON() ([]byte, error) {
	type plain SaleItem
	return json.Marshal(struct {
		plain
		Line lineRefJSON `json:"line"`
	}{plain(i), encodeLineRef(i.Ref)})
}

func (i *SaleItem) UnmarshalJSON(data []byte) error {
	type plain SaleItem
	var aux struct {
		plain
		Line lineRefJSON `json:"line"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ref, err := decodeLineRef(aux.Line)
	if err != nil {
		return err
	}
	*i = SaleItem(aux.plain)
	i.Ref = ref
	return nil
}

type ReturnItem struct {
	Ref               LineRef      `json:"-"`
	Name              string       `json:"name"`
	Quantity          int          `json:"quantity"`
	OriginalUnitPrice float64      `json:"original_unit_price"`
	LineTotal         float64      `json:"line_total"`
	StockRestore      StockRestore `json:"stock_restore,omitempty"`
}

func (i ReturnItem) MarshalJSON() ([]byte, error) {
	type plain ReturnItem
	return json.Marshal(struct {
		plain
		Line lineRefJSON `json:"line"`
	}{plain(i), encodeLineRef(i.Ref)})
}

func (i *ReturnItem) UnmarshalJSON(data []byte) error {
	type plain ReturnItem
	var aux struct {
		plain
		Line lineRefJSON `json:"line"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ref, err := decodeLineRef(aux.Line)
	if err != nil {
		return err
	}
	*i = ReturnItem(aux.plain)
	i.Ref = ref
	return nil
}

type PurchaseLineKind string

const (
	PurchaseLineRestock    PurchaseLineKind = "restock"
	PurchaseLineNewProduct PurchaseLineKind = "new_product"
)

// PurchaseRef is either a RestockLine for a product already in inventory or a
// NewProductLine that creates the product when the invoice commits.
type PurchaseRef interface {
	Kind() PurchaseLineKind
	sealedPurchaseRef()
}

type RestockLine struct {
	ProductID string
}

func (RestockLine) Kind() PurchaseLineKind { return PurchaseLineRestock }
func (RestockLine) sealedPurchaseRef()     {}

type NewProductLine struct {
	ProductCode string
	Name        string
	SalePrice   float64
	Category    string
}

func (NewProductLine) Kind() PurchaseLineKind { return PurchaseLineNewProduct }
func (NewProductLine) sealedPurchaseRef()     {}

type PurchaseLine struct {
	Ref           PurchaseRef `json:"-"`
	Quantity      int         `json:"quantity"`
	PurchasePrice float64     `json:"purchase_price"`
}

type purchaseRefJSON struct {
	Kind        PurchaseLineKind `json:"kind"`
	ProductID   string           `json:"product_id,omitempty"`
	ProductCode string           `json:"product_code,omitempty"`
	Name        string           `json:"name,omitempty"`
	SalePrice   float64          `json:"sale_price,omitempty"`
	Category    string           `json:"category,omitempty"`
}

func (l PurchaseLine) MarshalJSON() ([]byte, error) {
	type plain PurchaseLine
	var ref purchaseRefJSON
	switch r := l.Ref.(type) {
	case RestockLine:
		ref = purchaseRefJSON{Kind: PurchaseLineRestock, ProductID: r.ProductID}
	case NewProductLine:
		ref = purchaseRefJSON{Kind: PurchaseLineNewProduct, ProductCode: r.ProductCode, Name: r.Name, SalePrice: r.SalePrice, Category: r.Category}
	}
	return json.Marshal(struct {
		plain
		Line purchaseRefJSON `json:"line"`
	}{plain(l), ref})
}

func (l *PurchaseLine) UnmarshalJSON(data []byte) error {
	type plain PurchaseLine
	var aux struct {
		plain
		Line purchaseRefJSON `json:"line"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*l = PurchaseLine(aux.plain)
	switch aux.Line.Kind {
	case PurchaseLineRestock:
		l.Ref = RestockLine{ProductID: aux.Line.ProductID}
	case PurchaseLineNewProduct:
		l.Ref = NewProductLine{
			ProductCode: aux.Line.ProductCode,
			Name:        aux.Line.Name,
			SalePrice:   aux.Line.SalePrice,
			Category:    aux.Line.Category,
		}
	default:
		return fmt.Errorf("unknown purchase line kind %q", aux.Line.Kind)
	}
	return nil
}
