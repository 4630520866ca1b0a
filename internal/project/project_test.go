package project

import "testing"

func TestValidSlug(t *testing.T) {
	t.Parallel()

	valid := []string{"acme", "acme-prod", "a1", "0-0", "my-long-project-name-2"}
	for _, s := range valid {
		if !ValidSlug(s) {
			t.Errorf("ValidSlug(%q) = false, want true", s)
		}
	}

	invalid := []string{"", "Acme", "acme_prod", "acme prod", "acme/prod", "ACME", "éclair"}
	for _, s := range invalid {
		if ValidSlug(s) {
			t.Errorf("ValidSlug(%q) = true, want false", s)
		}
	}
}
