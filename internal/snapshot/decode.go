package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bartek5186/catsync/internal/category"
	"github.com/bartek5186/catsync/internal/media"
	"github.com/bartek5186/catsync/internal/pricing"
)

var ErrMissingCode = errors.New("item has no code")

// Item is a typed view of one Record.
type Item struct {
	Code           string
	Article        string
	Name           string
	Description    string
	Brand          string
	Unit           string
	Weight         string
	IsWeighted     bool
	Barcodes       []string
	SeoTitle       string
	SeoDescription string

	Category *category.Descriptor
	Prices   []pricing.PriceEntry
	Stocks   []pricing.StockEntry
	Images   []media.Ref

	// Overrides carried by the snapshot itself; rarely present, operators
	// usually set these through the API.
	PriceOverride string
	StockOverride string
}

// key aliases: the ERP's native field name first, then the english form
var (
	kCode        = []string{"Код", "code"}
	kArticle     = []string{"Артикул", "article"}
	kName        = []string{"Наименование", "name"}
	kDescription = []string{"Описание", "description"}
	kBrand       = []string{"Производитель", "brand"}
	kUnit        = []string{"ЕдиницаИзмерения", "unit"}
	kWeight      = []string{"ВесЕдиницыВесовогоТовара", "weight"}
	kIsWeighted  = []string{"Весовой", "is_weighted"}
	kBarcodes    = []string{"Штрихкоды", "barcodes"}
	kSeoTitle    = []string{"SeoTitle", "seo_title"}
	kSeoDesc     = []string{"SeoDescription", "seo_description"}
	kCategory    = []string{"Категория", "category"}
	kPrices      = []string{"Цены", "price_entries", "prices"}
	kStocks      = []string{"Остатки", "stock_entries", "stocks"}
	kImages      = []string{"Изображения", "images"}
	kPriceOv     = []string{"override", "price_override"}
	kStockOv     = []string{"stock_override"}

	kCatName = []string{"Наименование", "name"}
	kCatCode = []string{"КодКатегории", "external_code", "code"}
	kCatSub  = []string{"Подкатегория", "subcategory"}

	kPriceCode  = []string{"КодЦены", "price_type_code", "code"}
	kPriceName  = []string{"ВидЦены", "price_type_name", "name"}
	kPriceValue = []string{"Цена", "value"}

	kWhCode    = []string{"КодСклада", "warehouse_code", "code"}
	kWhName    = []string{"Склад", "warehouse_name", "name"}
	kOnHand    = []string{"Остаток", "on_hand"}
	kReserved  = []string{"Резерв", "reserved"}
	kAvailable = []string{"СвободныйОстаток", "available"}

	kImgPath = []string{"Путь", "path"}
	kImgMain = []string{"Основное", "is_main"}
)

func lookup(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(m map[string]any, keys []string) string {
	v, ok := lookup(m, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func boolean(m map[string]any, keys []string) bool {
	v, ok := lookup(m, keys)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "да", "y":
			return true
		}
	case json.Number:
		f, _ := t.Float64()
		return f != 0
	}
	return false
}

// number parses JSON numbers and numeric strings, accepting a decimal comma.
func number(m map[string]any, keys []string) (float64, bool) {
	v, ok := lookup(m, keys)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		s = strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func list(m map[string]any, keys []string) []any {
	v, ok := lookup(m, keys)
	if !ok {
		return nil
	}
	l, _ := v.([]any)
	return l
}

// Decode maps a raw record onto Item. Only a missing code is an error;
// malformed sub-entries are dropped.
func Decode(r Record) (Item, error) {
	m := map[string]any(r)
	it := Item{
		Code:           str(m, kCode),
		Article:        str(m, kArticle),
		Name:           str(m, kName),
		Description:    str(m, kDescription),
		Brand:          str(m, kBrand),
		Unit:           str(m, kUnit),
		Weight:         str(m, kWeight),
		IsWeighted:     boolean(m, kIsWeighted),
		SeoTitle:       str(m, kSeoTitle),
		SeoDescription: str(m, kSeoDesc),
		PriceOverride:  str(m, kPriceOv),
		StockOverride:  str(m, kStockOv),
	}
	if it.Code == "" {
		return it, ErrMissingCode
	}

	it.Barcodes = barcodes(m)
	if v, ok := lookup(m, kCategory); ok {
		if cm, ok := v.(map[string]any); ok {
			it.Category = descriptor(cm)
		}
	}
	it.Prices = prices(list(m, kPrices))
	it.Stocks = stocks(list(m, kStocks))
	it.Images = images(list(m, kImages))
	return it, nil
}

func barcodes(m map[string]any) []string {
	v, ok := lookup(m, kBarcodes)
	if !ok {
		return nil
	}
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			switch b := el.(type) {
			case string:
				add(b)
			case json.Number:
				add(b.String())
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			add(s)
		}
	}
	return out
}

func descriptor(m map[string]any) *category.Descriptor {
	if len(m) == 0 {
		return nil
	}
	d := &category.Descriptor{
		Name: str(m, kCatName),
		Code: str(m, kCatCode),
	}
	if v, ok := lookup(m, kCatSub); ok {
		if sm, ok := v.(map[string]any); ok {
			d.Sub = descriptor(sm)
		}
	}
	return d
}

func prices(l []any) []pricing.PriceEntry {
	var out []pricing.PriceEntry
	for _, el := range l {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		v, _ := number(m, kPriceValue)
		out = append(out, pricing.PriceEntry{
			TypeCode: str(m, kPriceCode),
			TypeName: str(m, kPriceName),
			Value:    v,
		})
	}
	return out
}

func stocks(l []any) []pricing.StockEntry {
	var out []pricing.StockEntry
	for _, el := range l {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		e := pricing.StockEntry{
			WarehouseCode: str(m, kWhCode),
			WarehouseName: str(m, kWhName),
		}
		e.OnHand, _ = number(m, kOnHand)
		e.Reserved, _ = number(m, kReserved)
		if a, ok := number(m, kAvailable); ok {
			e.Available = &a
		}
		out = append(out, e)
	}
	return out
}

// images keeps both accepted shapes as Refs; anything else becomes an empty
// Structured ref so media.Normalize counts it as skipped.
func images(l []any) []media.Ref {
	var out []media.Ref
	for _, el := range l {
		switch t := el.(type) {
		case string:
			out = append(out, media.LegacyPath(t))
		case map[string]any:
			out = append(out, media.Structured{
				Path:   str(t, kImgPath),
				IsMain: boolean(t, kImgMain),
			})
		default:
			out = append(out, media.Structured{})
		}
	}
	return out
}

// Codes returns every non-empty item code in snapshot order, duplicates
// included.
func (s *Snapshot) Codes() []string {
	out := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		if c := str(map[string]any(r), kCode); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (it Item) String() string {
	return fmt.Sprintf("%s (%s)", it.Code, it.Name)
}

// CategoryCodes returns the distinct external category codes referenced by
// any record, at any depth.
func (s *Snapshot) CategoryCodes() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range s.Records {
		v, ok := lookup(map[string]any(r), kCategory)
		if !ok {
			continue
		}
		cm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, c := range descriptor(cm).Codes() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
