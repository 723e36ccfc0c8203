package runner

import "testing"

func TestParseJob(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
	}{
		{"local: echo hi", KindLocalShell},
		{"remote: systemctl restart nginx", KindRemoteShell},
		{"upload: dist/app.tar.gz releases/app.tar.gz", KindUploadCopy},
		{"https://example.com/deploy-hook", KindHTTPGet},
		{"http://example.com/hook", KindHTTPGet},
	}

	for _, tc := range cases {
		j, err := ParseJob(tc.line)
		if err != nil {
			t.Fatalf("ParseJob(%q) error: %v", tc.line, err)
		}
		if j.Kind != tc.kind {
			t.Errorf("ParseJob(%q).Kind = %v, want %v", tc.line, j.Kind, tc.kind)
		}
	}
}

func TestParseJob_UploadRequiresTwoFields(t *testing.T) {
	if _, err := ParseJob("upload: onlyone"); err == nil {
		t.Errorf("expected error for malformed upload job")
	}
}

func TestParseJob_Unrecognized(t *testing.T) {
	if _, err := ParseJob("ftp: nonsense"); err == nil {
		t.Errorf("expected error for unrecognized job prefix")
	}
}

func TestParseJobs_StopsAtFirstError(t *testing.T) {
	_, err := ParseJobs([]string{"local: echo ok", "garbage"})
	if err == nil {
		t.Errorf("expected error")
	}
}
