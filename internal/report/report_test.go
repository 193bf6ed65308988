package report

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Catalog Tests
// ============================================================================

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}

	want := []string{"auditor_performance", "certificates", "inspections", "rubber_farms", "users"}
	got := c.Keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	users, ok := c.Get("users")
	if !ok {
		t.Fatal("users report not registered")
	}
	if users.DisplayName != "Users" {
		t.Errorf("DisplayName = %q, want %q", users.DisplayName, "Users")
	}
	if users.Columns[0].Label != "User ID" || users.Columns[0].Key != "id" {
		t.Errorf("first column = %+v, want User ID/id", users.Columns[0])
	}

	// Registration order is the catalog file order
	all := c.All()
	if all[0].Key != "users" || all[len(all)-1].Key != "auditor_performance" {
		t.Errorf("All() order = %s..%s", all[0].Key, all[len(all)-1].Key)
	}
}

func TestCatalog_GetIsCaseInsensitive(t *testing.T) {
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	if _, ok := c.Get(" Certificates "); !ok {
		t.Error("Get(\" Certificates \") should resolve to certificates")
	}
}

func TestCatalog_Lookup_Unknown(t *testing.T) {
	c := NewCatalog()
	_, err := c.Lookup("nope")
	if !errors.Is(err, ErrUnknownReport) {
		t.Errorf("Lookup() error = %v, want ErrUnknownReport", err)
	}
}

func TestCatalog_Register(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name:    "missing key",
			def:     Definition{DisplayName: "X", From: "x", Columns: Columns{{Key: "a"}}},
			wantErr: "report key is required",
		},
		{
			name:    "missing columns",
			def:     Definition{Key: "x", DisplayName: "X", From: "x"},
			wantErr: "no columns defined",
		},
		{
			name:    "duplicate column key",
			def:     Definition{Key: "x", DisplayName: "X", From: "x", Columns: Columns{{Key: "a"}, {Key: "a"}}},
			wantErr: "duplicate column key",
		},
		{
			name: "valid",
			def:  Definition{Key: "x", DisplayName: "X", From: "x", Columns: Columns{{Key: "a"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCatalog().Register(tt.def)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Register() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Register() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCatalog_RegisterDuplicateDisplayName(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(Definition{Key: "a", DisplayName: "Users", From: "a", Columns: Columns{{Key: "id"}}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := c.Register(Definition{Key: "b", DisplayName: "users", From: "b", Columns: Columns{{Key: "id"}}})
	if err == nil || !strings.Contains(err.Error(), "already used by a") {
		t.Errorf("Register() error = %v, want display name conflict", err)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("conflicting report was registered")
	}
}

func TestCatalog_RegisterDefaults(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(Definition{Key: "X", DisplayName: "X", From: "x", Columns: Columns{{Key: "amount"}}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	def, _ := c.Get("x")
	col := def.Columns[0]
	if col.Label != "amount" {
		t.Errorf("Label = %q, want key as label", col.Label)
	}
	if col.Width != DefaultColumnWidth {
		t.Errorf("Width = %v, want %v", col.Width, DefaultColumnWidth)
	}
	if col.Expr != `"amount"` {
		t.Errorf("Expr = %q, want quoted key", col.Expr)
	}
	if def.Version != 1 {
		t.Errorf("Version = %d, want 1", def.Version)
	}

	if err := c.Register(Definition{Key: "x", DisplayName: "X", From: "x", Columns: Columns{{Key: "a"}}}); err == nil {
		t.Error("second Register() with same key should fail")
	}
}

func TestLoadCatalog_RejectsUnknownFields(t *testing.T) {
	doc := `
reports:
  - key: users
    display_name: Users
    from: users
    colums: []
`
	if _, err := LoadCatalog(strings.NewReader(doc)); err == nil {
		t.Error("LoadCatalog() should reject misspelled fields")
	}
}

// ============================================================================
// Query Tests
// ============================================================================

func TestQuery_Validate(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"no report", Query{}, true},
		{"unbounded", Query{Report: "users"}, false},
		{"ordered range", Query{Report: "users", From: jan, To: feb}, false},
		{"inverted range", Query{Report: "users", From: feb, To: jan}, true},
		{"empty range", Query{Report: "users", From: jan, To: jan}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("Validate() error = %v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestRecord_ValueMissingKey(t *testing.T) {
	var nilRecord Record
	if v := nilRecord.Value("x"); v != nil {
		t.Errorf("nil record Value() = %v, want nil", v)
	}
	if v := (Record{"a": 1}).Value("b"); v != nil {
		t.Errorf("Value(missing) = %v, want nil", v)
	}
}

// ============================================================================
// Statement Tests
// ============================================================================

func TestWhereBuilder_Build_Empty(t *testing.T) {
	clause, args := NewWhereBuilder(Dollar).Build()
	if clause != "" {
		t.Errorf("expected empty clause, got %q", clause)
	}
	if args != nil {
		t.Errorf("expected nil args, got %v", args)
	}
}

func TestWhereBuilder_Placeholders(t *testing.T) {
	tests := []struct {
		style Placeholder
		want  string
	}{
		{Dollar, " WHERE a >= $1 AND b = $2"},
		{Question, " WHERE a >= ? AND b = ?"},
	}

	for _, tt := range tests {
		wb := NewWhereBuilder(tt.style)
		wb.Add("a", ">=", 1)
		wb.Add("b", "=", "x")
		clause, args := wb.Build()
		if clause != tt.want {
			t.Errorf("clause = %q, want %q", clause, tt.want)
		}
		if len(args) != 2 {
			t.Errorf("len(args) = %d, want 2", len(args))
		}
		if wb.NextArgIndex() != 3 {
			t.Errorf("NextArgIndex() = %d, want 3", wb.NextArgIndex())
		}
	}
}

func TestStatements(t *testing.T) {
	def := Definition{
		Key:           "certificates",
		DisplayName:   "Certificates",
		From:          "certificates c",
		DateColumn:    "c.issued_date",
		SubjectColumn: "c.farmer_id",
		OrderBy:       "c.id",
		Columns: Columns{
			{Label: "Certificate No", Key: "certificate_no", Expr: "c.certificate_no"},
			{Label: "Status", Key: "status", Expr: "c.status"},
		},
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := Query{Report: "certificates", From: from, SubjectID: "42"}

	count := CountStatement(def, q, Dollar)
	wantCount := "SELECT COUNT(*) FROM certificates c WHERE c.issued_date >= $1 AND c.farmer_id = $2"
	if count.SQL != wantCount {
		t.Errorf("CountStatement SQL = %q, want %q", count.SQL, wantCount)
	}
	if len(count.Args) != 2 || count.Args[0] != from || count.Args[1] != "42" {
		t.Errorf("CountStatement args = %v", count.Args)
	}

	sel := SelectStatement(def, q, Question)
	wantSel := `SELECT c.certificate_no AS "certificate_no", c.status AS "status" FROM certificates c` +
		` WHERE c.issued_date >= ? AND c.farmer_id = ? ORDER BY c.id`
	if sel.SQL != wantSel {
		t.Errorf("SelectStatement SQL = %q, want %q", sel.SQL, wantSel)
	}
}

func TestStatements_NoFilterColumns(t *testing.T) {
	def := Definition{Key: "x", From: "x", Columns: Columns{{Key: "a", Expr: "a"}}}
	q := Query{Report: "x", From: time.Now(), SubjectID: "1"}

	count := CountStatement(def, q, Dollar)
	if count.SQL != "SELECT COUNT(*) FROM x" {
		t.Errorf("filters without columns should be ignored, got %q", count.SQL)
	}
}

func TestColumns_LabelsAndKeys(t *testing.T) {
	cols := Columns{{Label: "A", Key: "a"}, {Label: "B", Key: "b"}}
	if got := strings.Join(cols.Labels(), ","); got != "A,B" {
		t.Errorf("Labels() = %q", got)
	}
	if got := strings.Join(cols.Keys(), ","); got != "a,b" {
		t.Errorf("Keys() = %q", got)
	}
}
