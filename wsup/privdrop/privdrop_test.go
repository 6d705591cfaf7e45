package privdrop

import "testing"

func TestDropRequiresRootPath(t *testing.T) {
	_, err := Drop(Options{SkipChroot: true, SkipRunAs: true})
	if err == nil {
		t.Fatal("expected an error when RootPath is empty")
	}
}

func TestDropRequiresRunAsUserUnlessSkipped(t *testing.T) {
	_, err := Drop(Options{RootPath: "/", SkipChroot: true})
	if err == nil {
		t.Fatal("expected an error when RunAsUser is empty and SkipRunAs is false")
	}
}
