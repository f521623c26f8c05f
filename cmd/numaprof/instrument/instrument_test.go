package instrument

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instrumentSrc(t *testing.T, src string) *Result {
	t.Helper()
	res, err := File("test.go", src)
	require.NoError(t, err)

	// The output must itself be valid Go.
	fset := token.NewFileSet()
	_, err = parser.ParseFile(fset, "test.go", res.Code, 0)
	require.NoError(t, err, "instrumented output must parse:\n%s", res.Code)
	return res
}

func TestInstrumentAssignment(t *testing.T) {
	res := instrumentSrc(t, `package main

func main() {
	var x int
	x = 42
	y := x
	_ = y
}
`)
	assert.Contains(t, res.Code, "numaprof.WriteAt(uintptr(unsafe.Pointer(&x)))")
	assert.Contains(t, res.Code, "numaprof.ReadAt(uintptr(unsafe.Pointer(&x)))")
	assert.GreaterOrEqual(t, res.Stats.WritesInstrumented, 1)
	assert.GreaterOrEqual(t, res.Stats.ReadsInstrumented, 1)
}

func TestInstrumentInjectsImports(t *testing.T) {
	res := instrumentSrc(t, `package main

func main() {
	var x int
	x = 1
	_ = x
}
`)
	assert.Contains(t, res.Code, `numaprof "github.com/kolkov/numaprof"`)
	assert.Contains(t, res.Code, `"unsafe"`)
}

func TestInstrumentMainLifecycle(t *testing.T) {
	res := instrumentSrc(t, `package main

func main() {}
`)
	code := res.Code
	initIdx := strings.Index(code, "numaprof.Init()")
	finiIdx := strings.Index(code, "defer numaprof.Fini()")
	tsIdx := strings.Index(code, "numaprof.ThreadStart()")
	require.Positive(t, initIdx)
	require.Positive(t, finiIdx)
	require.Positive(t, tsIdx)
	assert.Less(t, initIdx, finiIdx)
	assert.Less(t, finiIdx, tsIdx)
}

func TestInstrumentWrapsGoroutineLiterals(t *testing.T) {
	res := instrumentSrc(t, `package main

func main() {
	go func() {
		var x int
		x = 1
		_ = x
	}()
}
`)
	assert.Equal(t, 1, res.Stats.GoroutinesWrapped)
	// ThreadStart appears in main's prologue and in the goroutine body.
	assert.Equal(t, 2, strings.Count(res.Code, "numaprof.ThreadStart()"))
}

func TestInstrumentDefineSkipsWrite(t *testing.T) {
	res := instrumentSrc(t, `package main

func f() int {
	x := 7
	return x
}
`)
	assert.NotContains(t, res.Code, "WriteAt(uintptr(unsafe.Pointer(&x)))",
		":= declares, it does not write tracked memory")
}

func TestInstrumentBlankSkipped(t *testing.T) {
	res := instrumentSrc(t, `package main

func f(v int) {
	_ = v
}
`)
	assert.NotContains(t, res.Code, "unsafe.Pointer(&_)")
}

func TestInstrumentIncDec(t *testing.T) {
	res := instrumentSrc(t, `package main

func f() {
	var i int
	i++
	_ = i
}
`)
	assert.Contains(t, res.Code, "numaprof.ReadAt(uintptr(unsafe.Pointer(&i)))")
	assert.Contains(t, res.Code, "numaprof.WriteAt(uintptr(unsafe.Pointer(&i)))")
}

func TestInstrumentDereferenceAndIndex(t *testing.T) {
	res := instrumentSrc(t, `package main

func f(p *int, a []int) {
	*p = 1
	a[0] = 2
}
`)
	assert.Contains(t, res.Code, "numaprof.WriteAt(uintptr(unsafe.Pointer(p)))")
	assert.Contains(t, res.Code, "numaprof.WriteAt(uintptr(unsafe.Pointer(&a[0])))")
}

func TestInstrumentExistingImportsNotDuplicated(t *testing.T) {
	res := instrumentSrc(t, `package main

import (
	numaprof "github.com/kolkov/numaprof"
	"unsafe"
)

func main() {
	var x int
	numaprof.WriteAt(uintptr(unsafe.Pointer(&x)))
	x = 1
	_ = x
}
`)
	assert.Equal(t, 1, strings.Count(res.Code, `"github.com/kolkov/numaprof"`))
	assert.Equal(t, 1, strings.Count(res.Code, `"unsafe"`))
}

func TestInstrumentParseError(t *testing.T) {
	_, err := File("broken.go", "package main\nfunc {")
	require.Error(t, err)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "parse", ierr.Stage)
}
