package quota

import "testing"

func TestParseSizeExpr(t *testing.T) {
	cases := []struct {
		expr      string
		want      int64
		isPercent bool
		percent   float64
		wantErr   bool
	}{
		{expr: "800M", want: 800 << 20},
		{expr: "10G", want: 10 << 30},
		{expr: "1T", want: 1 << 40},
		{expr: "4K", want: 4 << 10},
		{expr: "123", want: 123},
		{expr: " 2G ", want: 2 << 30},
		{expr: "50%", isPercent: true, percent: 50},
		{expr: "0%", isPercent: true, percent: 0},
		{expr: "100%", isPercent: true, percent: 100},
		{expr: "101%", wantErr: true},
		{expr: "-5", wantErr: true},
		{expr: "", wantErr: true},
		{expr: "G", wantErr: true},
		{expr: "12X", wantErr: true},
	}
	for _, c := range cases {
		abs, pct, isPct, err := parseSizeExpr(c.expr)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseSizeExpr(%q) succeeded, want error", c.expr)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSizeExpr(%q): %v", c.expr, err)
			continue
		}
		if isPct != c.isPercent {
			t.Errorf("parseSizeExpr(%q) isPercent = %v, want %v", c.expr, isPct, c.isPercent)
			continue
		}
		if isPct {
			if pct != c.percent {
				t.Errorf("parseSizeExpr(%q) percent = %v, want %v", c.expr, pct, c.percent)
			}
		} else if abs != c.want {
			t.Errorf("parseSizeExpr(%q) = %d, want %d", c.expr, abs, c.want)
		}
	}
}

func TestResolveQuotaRejectsOversizedQuota(t *testing.T) {
	// 2048T configured against a ~1025T volume: startup must fail with
	// insufficient-storage-for-quota rather than overcommit.
	_, err := resolveQuota("2048T", 0, 1<<40, 1024<<40)
	if err == nil {
		t.Fatal("expected insufficient-storage-for-quota error")
	}
}
