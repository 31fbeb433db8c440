// Package models tests for payload validation.
package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func validProduct() *Record {
	return &Record{
		ID:       "11111111-1111-4111-8111-111111111111",
		Name:     "Pallet Jack",
		SKU:      "PJ-2000",
		Category: "equipment",
		Price:    decimal.NewFromInt(299),
		Quantity: 4,
	}
}

// TestRecordValidate_product verifies product payload requirements.
func TestRecordValidate_product(t *testing.T) {
	if err := validProduct().Validate(KindProduct); err != nil {
		t.Fatalf("valid product rejected: %v", err)
	}

	missing := validProduct()
	missing.SKU = ""
	if err := missing.Validate(KindProduct); err == nil {
		t.Error("product without sku accepted")
	}

	negative := validProduct()
	negative.Quantity = -1
	if err := negative.Validate(KindProduct); err == nil {
		t.Error("product with negative quantity accepted")
	}

	badPrice := validProduct()
	badPrice.Price = decimal.NewFromInt(-5)
	if err := badPrice.Validate(KindProduct); err == nil {
		t.Error("product with negative price accepted")
	}
}

// TestRecordValidate_sale verifies sales require a warehouse and a positive
// quantity.
func TestRecordValidate_sale(t *testing.T) {
	sale := &Record{
		ID:          "22222222-2222-4222-8222-222222222222",
		Name:        "Sale #1042",
		Quantity:    2,
		Price:       decimal.NewFromFloat(19.98),
		WarehouseID: "33333333-3333-4333-8333-333333333333",
	}
	if err := sale.Validate(KindSale); err != nil {
		t.Fatalf("valid sale rejected: %v", err)
	}

	sale.WarehouseID = ""
	if err := sale.Validate(KindSale); err == nil {
		t.Error("sale without warehouse accepted")
	}

	sale.WarehouseID = "33333333-3333-4333-8333-333333333333"
	sale.Quantity = 0
	if err := sale.Validate(KindSale); err == nil {
		t.Error("sale with zero quantity accepted")
	}
}

// TestRecordValidate_common verifies the kind-independent requirements.
func TestRecordValidate_common(t *testing.T) {
	var nilRec *Record
	if err := nilRec.Validate(KindWarehouse); err == nil {
		t.Error("nil payload accepted")
	}

	noID := validProduct()
	noID.ID = ""
	if err := noID.Validate(KindProduct); err == nil {
		t.Error("payload without id accepted")
	}

	noName := validProduct()
	noName.Name = ""
	if err := noName.Validate(KindProduct); err == nil {
		t.Error("payload without name accepted")
	}
}

// TestMarshalRoundTrip verifies decimal prices survive serialization exactly.
func TestMarshalRoundTrip(t *testing.T) {
	rec := validProduct()
	rec.Price = decimal.RequireFromString("19.99")

	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord() error = %v", err)
	}
	if !got.Price.Equal(rec.Price) {
		t.Errorf("Price = %s, want %s", got.Price, rec.Price)
	}
	if got.ID != rec.ID || got.SKU != rec.SKU {
		t.Errorf("round trip mutated identity fields: %+v", got)
	}
}

// TestUnmarshalRecord_empty verifies empty payloads are rejected.
func TestUnmarshalRecord_empty(t *testing.T) {
	if _, err := UnmarshalRecord(nil); err == nil {
		t.Error("empty payload accepted")
	}
}

// TestValidKind verifies the entity kind set is closed.
func TestValidKind(t *testing.T) {
	for _, kind := range []EntityKind{KindProduct, KindWarehouse, KindSale} {
		if !ValidKind(kind) {
			t.Errorf("ValidKind(%q) = false", kind)
		}
	}
	if ValidKind("customers") {
		t.Error("ValidKind accepted an unknown kind")
	}
}
