package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAddIsAbsentOnly(t *testing.T) {
	l := New()

	if !l.Add(Record{Name: "campaign1:.router", Balance: 500000}) {
		t.Fatal("first add should succeed")
	}
	if !l.Exists("campaign1:.router") {
		t.Fatal("account should exist after add")
	}
	if l.Add(Record{Name: "campaign1:.router", Balance: 1}) {
		t.Fatal("second add for same name should be a no-op")
	}
	if got := l.GetBalance("campaign1:.router"); !got.Equal(MicroUSD(500000)) {
		t.Fatalf("balance changed by duplicate add: %s", got)
	}
	if l.Add(Record{Balance: 100}) {
		t.Fatal("add without a name should fail")
	}
}

func TestReplaceOverwrites(t *testing.T) {
	l := New()
	l.Add(Record{Name: "a", Balance: 100, Spent: 50})

	if !l.Replace(Record{Name: "a", Balance: 700}) {
		t.Fatal("replace should succeed")
	}
	if got := l.GetBalance("a"); !got.Equal(MicroUSD(700)) {
		t.Fatalf("replace should set balance to exactly 700, got %s", got)
	}

	// Replace also inserts when absent.
	if !l.Replace(Record{Name: "b", Balance: 5}) {
		t.Fatal("replace of absent account should insert")
	}
	if !l.Exists("b") {
		t.Fatal("account b should exist")
	}
}

func TestAccumulateBalanceIsAdditive(t *testing.T) {
	l := New()
	l.Add(Record{Name: "a", Balance: 100})

	if got := l.AccumulateBalance("a", MicroUSD(40)); !got.Equal(MicroUSD(140)) {
		t.Fatalf("expected 140 after first top-up, got %s", got)
	}
	if got := l.AccumulateBalance("a", MicroUSD(60)); !got.Equal(MicroUSD(200)) {
		t.Fatalf("expected 200 after second top-up, got %s", got)
	}
	if got := l.AccumulateBalance("missing", MicroUSD(10)); !got.IsZero() {
		t.Fatalf("accumulate on unknown key should return zero, got %s", got)
	}
}

func TestBid(t *testing.T) {
	l := New()
	l.Add(Record{Name: "a", Balance: 100})

	if l.Bid("missing", MicroUSD(10)) {
		t.Fatal("bid on unknown key should fail")
	}
	if !l.Bid("a", MicroUSD(60)) {
		t.Fatal("bid within balance should succeed")
	}
	if got := l.GetBalance("a"); !got.Equal(MicroUSD(40)) {
		t.Fatalf("bid should reserve budget, balance = %s", got)
	}
	if l.Bid("a", MicroUSD(41)) {
		t.Fatal("bid above remaining balance should fail")
	}
	if got := l.GetBalance("a"); !got.Equal(MicroUSD(40)) {
		t.Fatalf("failed bid must not change balance, got %s", got)
	}
}

func TestWinAccountsSpendEvenPastZero(t *testing.T) {
	l := New()
	l.Add(Record{Name: "a", Balance: 50})

	if l.Win("missing", MicroUSD(10)) {
		t.Fatal("win on unknown key should fail")
	}
	if !l.Win("a", MicroUSD(80)) {
		t.Fatal("win must be accounted even when it exceeds the balance")
	}
	if got := l.GetBalance("a"); !got.Equal(MicroUSD(-30)) {
		t.Fatalf("expected balance -30, got %s", got)
	}
	recs := l.Export()
	if len(recs) != 1 || recs[0].Spent != 80 {
		t.Fatalf("expected spent 80 in export, got %+v", recs)
	}
}

func TestSetSpendRate(t *testing.T) {
	l := New()
	l.Add(Record{Name: "a", Rate: 100})
	l.Add(Record{Name: "b", Rate: 200})

	l.SetSpendRate(MicroUSD(75000))

	for _, rec := range l.Export() {
		if rec.Rate != 75000 {
			t.Fatalf("rate not propagated to %s: %d", rec.Name, rec.Rate)
		}
	}
}

func TestJSONContract(t *testing.T) {
	l := New()

	if l.AddFromJSON([]byte(`{"balance":`)) {
		t.Fatal("malformed body should not import")
	}
	if !l.AddFromJSON([]byte(`{"name":"a","balance":500000,"rate":100000}`)) {
		t.Fatal("valid body should import")
	}
	if l.ReplaceFromJSON([]byte(`not json`)) {
		t.Fatal("malformed replace body should fail")
	}
	if !l.ReplaceFromJSON([]byte(`{"name":"a","balance":7}`)) {
		t.Fatal("valid replace body should import")
	}
	if got := l.GetBalance("a"); !got.Equal(MicroUSD(7)) {
		t.Fatalf("replace from JSON should overwrite, got %s", got)
	}
}

func TestKeysAndExportSorted(t *testing.T) {
	l := New()
	l.Add(Record{Name: "b"})
	l.Add(Record{Name: "a"})
	l.Add(Record{Name: "c"})

	keys := l.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("keys not sorted: %v", keys)
	}
	recs := l.Export()
	if len(recs) != 3 || recs[0].Name != "a" || recs[2].Name != "c" {
		t.Fatalf("export not sorted: %+v", recs)
	}
	if l.Size() != 3 {
		t.Fatalf("size = %d", l.Size())
	}
}

func TestGetBalanceUnknown(t *testing.T) {
	l := New()
	if got := l.GetBalance("nope"); !got.Equal(decimal.Zero) {
		t.Fatalf("unknown balance should be zero, got %s", got)
	}
}
