package dmabuf

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := NewBufferError("map", "scanout", ErrBusy, "storage unreachable")
	want := "dmabuf: storage unreachable (op=map buffer=scanout)"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}

	bare := NewError("export", ErrOutOfMemory, "")
	if bare.Error() != "dmabuf: out of memory (op=export)" {
		t.Errorf("empty message fallback: got %q", bare.Error())
	}
}

func TestErrorCodeMatching(t *testing.T) {
	e := NewError("attach", ErrBusy, "storage unreachable")
	if !errors.Is(e, ErrBusy) {
		t.Error("errors.Is failed to match the code")
	}
	if errors.Is(e, ErrNotFound) {
		t.Error("errors.Is matched the wrong code")
	}

	wrapped := fmt.Errorf("outer: %w", e)
	var de *Error
	if !errors.As(wrapped, &de) || de.Code != ErrBusy {
		t.Error("errors.As failed through a wrapping layer")
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		code  ErrorCode
		errno syscall.Errno
	}{
		{ErrInvalidArgument, syscall.EINVAL},
		{ErrOutOfMemory, syscall.ENOMEM},
		{ErrBusy, syscall.EBUSY},
		{ErrNotFound, syscall.ENOENT},
		{ErrUnsupported, syscall.EOPNOTSUPP},
		{ErrInterrupted, syscall.EINTR},
	}
	for _, tc := range cases {
		if got := codeToErrno(tc.code); got != tc.errno {
			t.Errorf("codeToErrno(%v) = %v, want %v", tc.code, got, tc.errno)
		}
		if got := mapErrnoToCode(tc.errno); got != tc.code {
			t.Errorf("mapErrnoToCode(%v) = %v, want %v", tc.errno, got, tc.code)
		}
	}
}

func TestWrapErrorPreservesStructure(t *testing.T) {
	inner := NewBufferError("pin", "scanout", ErrBusy, "storage unreachable")
	outer := WrapError("map", inner)

	if outer.Op != "map" || outer.Buffer != "scanout" || outer.Code != ErrBusy {
		t.Errorf("wrap lost context: %+v", outer)
	}
	if outer.Errno != syscall.EBUSY {
		t.Errorf("wrap lost errno: %v", outer.Errno)
	}
}

func TestWrapErrorErrno(t *testing.T) {
	e := WrapError("mmap", syscall.ENOMEM)
	if e.Code != ErrOutOfMemory || e.Errno != syscall.ENOMEM {
		t.Errorf("errno wrap: %+v", e)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("map", nil) != nil {
		t.Error("wrapping nil should stay nil")
	}
}
