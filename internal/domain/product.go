package domain

// StockStatus is the availability of a catalog item.
type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	LowStock   StockStatus = "low_stock"
	OutOfStock StockStatus = "out_of_stock"
	Preorder   StockStatus = "preorder"
)

// Attribute is a named product property. Order is significant.
type Attribute struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Product is a catalog item.
type Product struct {
	ID          string      `json:"id" yaml:"id"`
	Title       string      `json:"title" yaml:"title"`
	Description string      `json:"description" yaml:"description"`
	Price       float64     `json:"price" yaml:"price"`
	Currency    string      `json:"currency" yaml:"currency"`
	StockStatus StockStatus `json:"stock_status" yaml:"stock_status"`
	Attributes  []Attribute `json:"attributes" yaml:"attributes"`
	Image       string      `json:"image" yaml:"image"`
	ProductURL  string      `json:"product_url" yaml:"product_url"`
}
