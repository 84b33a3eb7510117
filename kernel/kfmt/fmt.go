// Package kfmt provides a minimal, allocation-free Printf implementation
// that can be safely used before the Go runtime has been fully bootstrapped.
package kfmt

import "io"

// numBufSize defines the scratch buffer size for formatting numbers. 64-bit
// values need at most 22 digits in base 8.
const numBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// singleByte is a shared one-byte buffer for emitting characters
	// without triggering a string-to-slice conversion allocation.
	singleByte = []byte{0}

	// earlyBuffer captures Printf output produced before a console or
	// UART driver registers itself as the output sink.
	earlyBuffer ringBuffer

	// outputSink is the io.Writer that receives Printf output. While nil,
	// output accumulates in earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf output to w and drains any output
// accumulated before w became available.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats its arguments and writes them to the active output sink. It
// supports a subset of the fmt verbs:
//
//	%s  string or []byte
//	%d  base-10 integer
//	%x  base-16 integer, lower-case, zero-padded when a width is given
//	%o  base-8 integer
//	%t  boolean
//
// An optional decimal width may precede d/x/o/s verbs. All built-in integer
// types (including uintptr) are accepted. Unlike fmt, no memory is allocated:
// this must remain callable from the allocator's own failure paths.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			writeByte(w, ch)
			continue
		}

		// scan optional width followed by the verb
		width = 0
		i++
		if i < len(format) && format[i] == '%' {
			writeByte(w, '%')
			continue
		}
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i >= len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		if verb != 's' && verb != 'd' && verb != 'x' && verb != 'o' && verb != 't' {
			// the operand is still spent so later verbs stay aligned
			if argIndex < len(args) {
				argIndex++
			}
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch verb {
		case 's':
			fmtString(w, arg, width)
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtString emits a string or []byte value, left-padded with spaces up to
// width. Strings are emitted byte by byte to avoid a conversion allocation.
func fmtString(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		pad(w, ' ', width-len(val))
		for i := 0; i < len(val); i++ {
			writeByte(w, val[i])
		}
	case []byte:
		pad(w, ' ', width-len(val))
		doWrite(w, val)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtBool emits "true" or "false".
func fmtBool(w io.Writer, v interface{}) {
	val, ok := v.(bool)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}
	if val {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

// fmtInt emits an integer value in the requested base. Base-10 output is
// space-padded; base-8 and base-16 output is zero-padded, matching the
// common use of %x for dumping addresses.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		uval, negative = absolute(int64(val))
	case int16:
		uval, negative = absolute(int64(val))
	case int32:
		uval, negative = absolute(int64(val))
	case int64:
		uval, negative = absolute(val)
	case int:
		uval, negative = absolute(int64(val))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	var buf [numBufSize]byte
	end := len(buf)
	for {
		end--
		digit := byte(uval % base)
		if digit < 10 {
			buf[end] = '0' + digit
		} else {
			buf[end] = 'a' + digit - 10
		}
		uval /= base
		if uval == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}
	digits := len(buf) - end
	if negative {
		if padCh == ' ' {
			pad(w, padCh, width-digits-1)
			writeByte(w, '-')
		} else {
			writeByte(w, '-')
			pad(w, padCh, width-digits-1)
		}
	} else {
		pad(w, padCh, width-digits)
	}
	doWrite(w, buf[end:])
}

// absolute returns the magnitude of v and whether it was negative. The
// magnitude of the most negative value wraps back onto itself, matching the
// two's-complement bit pattern.
func absolute(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// pad emits count bytes with value ch; count <= 0 emits nothing.
func pad(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite routes output to w, or to the early ring buffer when no sink has
// been registered yet.
func doWrite(w io.Writer, p []byte) {
	if w == nil {
		w = &earlyBuffer
	}
	w.Write(p)
}
