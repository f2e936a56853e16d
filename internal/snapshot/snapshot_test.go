package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bartek5186/catsync/internal/media"
	"golang.org/x/text/encoding/charmap"
)

const nativeItem = `[{
  "Код": "A1",
  "Артикул": "ART-1",
  "Наименование": "Сыр Гауда",
  "Описание": "Твёрдый сыр",
  "Производитель": "Ферма",
  "ЕдиницаИзмерения": "кг",
  "ВесЕдиницыВесовогоТовара": "0,5",
  "Весовой": true,
  "Штрихкоды": ["4600000000001", "4600000000002"],
  "Категория": {
    "Наименование": "Молочные продукты",
    "КодКатегории": "C1",
    "Подкатегория": {"Наименование": "Сыры", "КодКатегории": "C2"}
  },
  "Цены": [
    {"КодЦены": "P1", "ВидЦены": "Розничная", "Цена": 100},
    {"КодЦены": "P2", "ВидЦены": "Оптовая", "Цена": "85,50"}
  ],
  "Остатки": [
    {"КодСклада": "W1", "Склад": "Основной", "Остаток": 10, "Резерв": 3},
    {"КодСклада": "W2", "Склад": "Второй", "Остаток": 5, "Резерв": 0, "СвободныйОстаток": 4}
  ],
  "Изображения": ["img/a.jpg", "img/b.jpg"]
}]`

func writeFile(t *testing.T, name string, b []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestReadWithBOM(t *testing.T) {
	body := append([]byte{0xEF, 0xBB, 0xBF}, nativeItem...)
	p := writeFile(t, "goods.json", body)

	snap, err := Read(p, "utf-8-sig")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("records = %d", len(snap.Records))
	}
	if snap.Size != int64(len(body)) || len(snap.SHA256) != 64 || snap.ModTime.IsZero() {
		t.Fatalf("metadata = %+v", snap)
	}
	if codes := snap.Codes(); len(codes) != 1 || codes[0] != "A1" {
		t.Fatalf("codes = %v", codes)
	}
	if cc := snap.CategoryCodes(); len(cc) != 2 || cc[0] != "C1" || cc[1] != "C2" {
		t.Fatalf("category codes = %v", cc)
	}
}

func TestReadErrors(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope.json"), ""); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("missing file: %v", err)
	}
	for name, body := range map[string]string{
		"object":     `{"Код": "A1"}`,
		"truncated":  `[{"Код": "A1"`,
		"scalar row": `[{"Код": "A1"}, 42]`,
	} {
		p := writeFile(t, "bad.json", []byte(body))
		if _, err := Read(p, ""); !errors.Is(err, ErrMalformedSnapshot) {
			t.Fatalf("%s: err = %v, want ErrMalformedSnapshot", name, err)
		}
	}
}

func TestReadLegacyCharset(t *testing.T) {
	enc, err := charmap.Windows1251.NewEncoder().Bytes([]byte(`[{"Код": "Б1", "Наименование": "Молоко"}]`))
	if err != nil {
		t.Fatal(err)
	}
	p := writeFile(t, "cp.json", enc)
	snap, err := Read(p, "cp1251")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	it, err := Decode(snap.Records[0])
	if err != nil {
		t.Fatal(err)
	}
	if it.Code != "Б1" || it.Name != "Молоко" {
		t.Fatalf("decoded = %+v", it)
	}
}

func TestDecodeNative(t *testing.T) {
	recs, err := Parse([]byte(nativeItem))
	if err != nil {
		t.Fatal(err)
	}
	it, err := Decode(recs[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if it.Code != "A1" || it.Article != "ART-1" || it.Unit != "кг" || it.Weight != "0,5" || !it.IsWeighted {
		t.Fatalf("scalars = %+v", it)
	}
	if len(it.Barcodes) != 2 {
		t.Fatalf("barcodes = %v", it.Barcodes)
	}
	if it.Category == nil || it.Category.Code != "C1" || it.Category.Sub == nil || it.Category.Sub.Name != "Сыры" {
		t.Fatalf("category = %+v", it.Category)
	}
	if len(it.Prices) != 2 || it.Prices[1].Value != 85.5 || it.Prices[0].TypeName != "Розничная" {
		t.Fatalf("prices = %+v", it.Prices)
	}
	if len(it.Stocks) != 2 || it.Stocks[0].Available != nil || it.Stocks[0].Free() != 7 || it.Stocks[1].Free() != 4 {
		t.Fatalf("stocks = %+v", it.Stocks)
	}
	if len(it.Images) != 2 {
		t.Fatalf("images = %v", it.Images)
	}
	if _, ok := it.Images[0].(media.LegacyPath); !ok {
		t.Fatalf("image 0 = %T, want LegacyPath", it.Images[0])
	}
}

func TestDecodeEnglishAliases(t *testing.T) {
	recs, err := Parse([]byte(`[{
	  "code": "A1",
	  "name": "Cheese",
	  "barcodes": "111, 222",
	  "category": {"name": "Dairy", "code": "C1", "subcategory": {"name": "Cheese", "external_code": "C2"}},
	  "price_entries": [{"code": "P1", "value": 100}, {"price_type_code": "P2", "price_type_name": "Retail", "value": "90"}],
	  "stock_entries": [{"warehouse_code": "W1", "on_hand": 2, "reserved": 5}],
	  "images": [{"path": "a.jpg"}, {"path": "b.jpg", "is_main": true}, 7],
	  "override": "P1"
	}]`))
	if err != nil {
		t.Fatal(err)
	}
	it, err := Decode(recs[0])
	if err != nil {
		t.Fatal(err)
	}
	if it.PriceOverride != "P1" || len(it.Barcodes) != 2 || it.Barcodes[1] != "222" {
		t.Fatalf("item = %+v", it)
	}
	if it.Category.Path() != "Dairy / Cheese" || it.Category.Sub.Code != "C2" {
		t.Fatalf("category = %+v", it.Category)
	}
	if it.Prices[0].TypeCode != "P1" || it.Prices[0].Value != 100 || it.Prices[1].Value != 90 {
		t.Fatalf("prices = %+v", it.Prices)
	}
	if it.Stocks[0].Free() != 0 {
		t.Fatalf("over-reserved stock should clamp to zero, got %v", it.Stocks[0].Free())
	}
	entries, skipped := media.Normalize(it.Images)
	if skipped != 1 || len(entries) != 2 || !entries[1].IsMain || entries[0].IsMain {
		t.Fatalf("entries = %+v skipped=%d", entries, skipped)
	}
}

func TestDecodeMissingCode(t *testing.T) {
	if _, err := Decode(Record{"name": "no code"}); !errors.Is(err, ErrMissingCode) {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeEmptyCategory(t *testing.T) {
	it, err := Decode(Record{"code": "X", "category": map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if it.Category != nil {
		t.Fatalf("empty category object should decode to nil, got %+v", it.Category)
	}
}
