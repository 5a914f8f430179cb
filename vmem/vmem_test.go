package vmem

import "testing"

func TestBrkGrowShrink(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)

	x, err := im.Brk(0)
	if err != nil || x != 0x10000 {
		t.Fatalf("initial brk(0) = %#x, %v", x, err)
	}

	grown, err := im.Brk(x + 0x3000)
	if err != nil || grown != x+0x3000 {
		t.Fatalf("brk(x+0x3000) = %#x, %v", grown, err)
	}

	if err := im.Write(grown-1, []byte{0xAA}); err != nil {
		t.Fatalf("write into grown heap: %v", err)
	}
	var buf [1]byte
	if err := im.Read(grown-1, buf[:]); err != nil || buf[0] != 0xAA {
		t.Fatalf("read back grown heap: %v %v", buf[0], err)
	}

	shrunk, err := im.Brk(x)
	if err != nil || shrunk != x {
		t.Fatalf("brk(x) shrink = %#x, %v", shrunk, err)
	}

	final, _ := im.Brk(0)
	if final != x {
		t.Fatalf("brk(0) after shrink = %#x, want %#x", final, x)
	}
}

func TestMapUnmapReuse(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)

	addr := im.ReserveDown(0, PageSize)
	if err := im.Map(addr, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	im.Unmap(addr, PageSize)

	addr2 := im.ReserveDown(0, PageSize)
	if err := im.Map(addr2, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if addr2 != addr {
		t.Fatalf("second ReserveDown = %#x, want reused %#x", addr2, addr)
	}
	if im.Perm(addr2)&PermRead == 0 {
		t.Fatalf("expected mapped page to be readable")
	}
}

func TestShareIsVisibleAcrossHandles(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)
	if err := im.Map(0x20000, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	child := im.Share()
	if err := child.Write(0x20000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	var buf [4]byte
	if err := im.Read(0x20000, buf[:]); err != nil {
		t.Fatal(err)
	}
	if buf != [4]byte{1, 2, 3, 4} {
		t.Fatalf("parent did not observe child's write via shared image: %v", buf)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)
	if err := im.Map(0x20000, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := im.Write(0x20000, []byte{9}); err != nil {
		t.Fatal(err)
	}

	clone := im.Clone()
	if err := clone.Write(0x20000, []byte{7}); err != nil {
		t.Fatal(err)
	}

	var buf [1]byte
	if err := im.Read(0x20000, buf[:]); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 9 {
		t.Fatalf("parent should not observe clone's write, got %v", buf[0])
	}
}

func TestSpeculativeMirrorDiscard(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)
	if err := im.Map(0x20000, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := im.Write(0x20000, []byte{1}); err != nil {
		t.Fatal(err)
	}

	mirror := NewMirror(im)
	mirror.Enter()
	if err := mirror.Write(0x20000, []byte{2}); err != nil {
		t.Fatal(err)
	}

	var buf [1]byte
	if err := mirror.Read(0x20000, buf[:]); err != nil || buf[0] != 2 {
		t.Fatalf("mirror should see its own buffered write, got %v %v", buf[0], err)
	}

	mirror.Discard()

	if err := im.Read(0x20000, buf[:]); err != nil || buf[0] != 1 {
		t.Fatalf("discard must not touch base image, got %v %v", buf[0], err)
	}
}

func TestSpeculativeMirrorCommit(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)
	if err := im.Map(0x20000, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}

	mirror := NewMirror(im)
	mirror.Enter()
	if err := mirror.Write(0x20000, []byte{5}); err != nil {
		t.Fatal(err)
	}
	if err := mirror.Commit(); err != nil {
		t.Fatal(err)
	}

	var buf [1]byte
	if err := im.Read(0x20000, buf[:]); err != nil || buf[0] != 5 {
		t.Fatalf("commit must flush to base image, got %v %v", buf[0], err)
	}
	if mirror.Active() {
		t.Fatalf("commit should leave speculative mode")
	}
}

func TestReadCString(t *testing.T) {
	im := NewImage(0x10000, 0x70000000)
	if err := im.Map(0x20000, PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := im.Write(0x20000, []byte("hello\x00world")); err != nil {
		t.Fatal(err)
	}

	s, err := im.ReadCString(0x20000, 64)
	if err != nil || s != "hello" {
		t.Fatalf("ReadCString = %q, %v", s, err)
	}
}
