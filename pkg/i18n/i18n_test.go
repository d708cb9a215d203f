package i18n

import (
	"reflect"
	"strings"
	"testing"
)

func TestCatalogsComplete(t *testing.T) {
	en := reflect.ValueOf(messagesEN)
	zh := reflect.ValueOf(messagesZH)
	for i := 0; i < en.NumField(); i++ {
		name := en.Type().Field(i).Name
		if en.Field(i).String() == "" {
			t.Fatalf("en.%s is empty", name)
		}
		if zh.Field(i).String() == "" {
			t.Fatalf("zh.%s is empty", name)
		}
		if a, b := strings.Count(en.Field(i).String(), "%"), strings.Count(zh.Field(i).String(), "%"); a != b {
			t.Fatalf("%s has %d verbs in en and %d in zh", name, a, b)
		}
	}
}

func TestGetFollowsLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	SetLanguage(LangZH)
	if GetLanguage() != LangZH || Get("ShuttingDown") != messagesZH.ShuttingDown {
		t.Fatalf("Get=%q, expected the zh catalog", Get("ShuttingDown"))
	}
	SetLanguage("fr")
	if Get("ShuttingDown") != messagesEN.ShuttingDown {
		t.Fatalf("unknown language should fall back to en")
	}
	if Get("NoSuchKey") != "NoSuchKey" {
		t.Fatalf("unknown key should echo the key")
	}
}
