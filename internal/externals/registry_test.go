package externals

import (
	"context"
	"testing"
)

func TestRegistry_RecordAndList(t *testing.T) {
	ctx := context.Background()
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if err := r.Record(ctx, File{SourceID: "12", Path: "/media/b.wav", Type: "audio", Size: 10}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Record(ctx, File{SourceID: "11", Path: "/media/a.mid", Type: "midi", Size: 3}); err != nil {
		t.Fatalf("record: %v", err)
	}
	// update keeps one row per source
	if err := r.Record(ctx, File{SourceID: "12", Path: "/media/c.wav", Type: "audio", Size: 20}); err != nil {
		t.Fatalf("record: %v", err)
	}

	files, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "/media/a.mid" || files[1].Path != "/media/c.wav" || files[1].Size != 20 {
		t.Errorf("unexpected files: %+v", files)
	}
}

func TestRegistry_MarkArchivedAndForget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_ = r.Record(ctx, File{SourceID: "1", Path: "/x/a.wav", Type: "audio"})
	_ = r.Record(ctx, File{SourceID: "2", Path: "/x/b.wav", Type: "audio"})

	if err := r.MarkArchived(ctx, "1", "song/externals/audio/a.wav"); err != nil {
		t.Fatalf("mark archived: %v", err)
	}
	if err := r.MarkArchived(ctx, "99", "x"); err == nil {
		t.Error("expected error for unknown source")
	}

	n, err := r.Forget(ctx, map[string]bool{"1": true})
	if err != nil || n != 1 {
		t.Fatalf("forget: removed %d, err %v", n, err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	// reopen to check persistence
	r, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	files, _ := r.List(ctx)
	if len(files) != 1 || files[0].ArchivedAs != "song/externals/audio/a.wav" {
		t.Errorf("unexpected files after reopen: %+v", files)
	}
}
