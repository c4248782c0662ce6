package duckdb

import (
	"net/url"
	"strings"
)

const motherDuckPrefix = "md:"

// isMotherDuck reports whether dsn targets a MotherDuck hosted database,
// either as md:<db> or as a motherduck://<db> URI.
func isMotherDuck(dsn string) bool {
	if strings.HasPrefix(dsn, motherDuckPrefix) {
		return true
	}
	u, err := url.Parse(dsn)
	return err == nil && u.Scheme == "motherduck"
}

// motherDuckDSN rewrites motherduck://<db> URIs into the md:<db> form the
// driver understands and sets motherduck_token unless the DSN carries one.
func motherDuckDSN(dsn, token string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme == "motherduck" {
		db := strings.Trim(u.Host+u.Path, "/")
		dsn = motherDuckPrefix + db
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}
	}
	if token == "" {
		return dsn
	}

	base, rawQuery, _ := strings.Cut(dsn, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	if q.Get("motherduck_token") != "" {
		return dsn
	}
	q.Set("motherduck_token", token)
	return base + "?" + q.Encode()
}
