package config

import "testing"

func TestConnString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "app", Password: "pw", Name: "grid"}
	want := "postgres://app:pw@db:5433/grid?sslmode=disable"
	if got := d.ConnString(); got != want {
		t.Errorf("ConnString() = %q, want %q", got, want)
	}
}

func TestIsProduction(t *testing.T) {
	if (&Config{Environment: "development"}).IsProduction() {
		t.Error("development is not production")
	}
	if !(&Config{Environment: "production"}).IsProduction() {
		t.Error("production must report true")
	}
}
