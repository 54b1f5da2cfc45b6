package amd64

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/tinyrange/lirc/internal/lir"
)

// materialize places a float or string literal in the closure's data and
// returns the local symbol naming it. Equal literals share one symbol.
func materialize(c *lir.Closure, v lir.Imm) lir.Symbol {
	key := v.Key()
	name, ok := c.Imms[key]
	if !ok {
		for n := len(c.Imms); ; n++ {
			name = fmt.Sprintf("%s.imm.%d", c.Symbol, n)
			if !lo.ContainsBy(c.Data, func(d *lir.Data) bool { return d.Name == name }) {
				break
			}
		}
		c.Imms[key] = name
		c.Data = append(c.Data, &lir.Data{Name: name, Value: v.Bytes(), Local: true})
	}
	lit := v
	return lir.Symbol{Name: name, Local: true, Type: v.Type(), Const: &lit}
}

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// truncImm reduces v to the signed value of its low width bytes.
func truncImm(v int64, width int) int64 {
	switch width {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return v
}

func alignUp(v, align int64) int64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
