package homgar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLogin(t *testing.T) {
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/basic/app/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("lang") != "en" || r.Header.Get("appCode") != "1" {
			t.Error("missing app headers")
		}
		if r.Header.Get("auth") != "" {
			t.Error("login must not send an auth header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"token":        "tok-1",
				"tokenExpired": 86400,
				"refreshToken": "refresh-1",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	token, expiresAt, refresh, err := c.Login(context.Background(), "user@example.com", "hunter2", "31")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token != "tok-1" || refresh != "refresh-1" {
		t.Errorf("token = %q, refresh = %q", token, refresh)
	}
	if until := time.Until(expiresAt); until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("expiry %v not ~24h away", expiresAt)
	}

	// Password travels as an md5 digest, never in the clear.
	if gotBody["password"] != "2ab96390c7dbe3439de74d0c9b0b1767" {
		t.Errorf("password hash = %q", gotBody["password"])
	}
	if len(gotBody["deviceId"]) != 32 {
		t.Errorf("deviceId should be 16 random bytes hex encoded, got %q", gotBody["deviceId"])
	}
}

func TestDeviceStatusUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 1011, "msg": "token expired"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.DeviceStatus(context.Background(), "stale", 42)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsUnauthorized(err) {
		t.Errorf("expected unauthorized classification for %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 1011 {
		t.Errorf("expected APIError code 1011, got %v", err)
	}
}

func TestDevicesForHomePropagatesHubIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("hid"); got != "7" {
			t.Errorf("hid = %q, want 7", got)
		}
		if r.Header.Get("auth") != "tok-1" {
			t.Error("missing auth header")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": []map[string]interface{}{{
				"mid": 100, "did": 1, "name": "Garden Hub", "model": "HWS019WRF-V2",
				"modelCode": 289, "deviceName": "AB:CD", "productKey": "pk1",
				"subDevices": []map[string]interface{}{{
					"mid": 100, "did": 2, "addr": 2, "name": "Lawn", "model": "HCS026FRF", "modelCode": 317,
				}},
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	hubs, err := c.DevicesForHome(context.Background(), "tok-1", 7)
	if err != nil {
		t.Fatalf("DevicesForHome failed: %v", err)
	}
	if len(hubs) != 1 || len(hubs[0].SubDevices) != 1 {
		t.Fatalf("unexpected tree shape: %+v", hubs)
	}

	hub := hubs[0]
	if hub.Addr != 1 {
		t.Errorf("hub addr = %d, want 1", hub.Addr)
	}
	if hub.StatusID() != "D01" {
		t.Errorf("hub status id = %q", hub.StatusID())
	}

	sub := hub.SubDevices[0]
	if sub.HubDeviceName != "AB:CD" || sub.HubProductKey != "pk1" {
		t.Errorf("hub identity not propagated to peripheral: %+v", sub)
	}
	if sub.StatusID() != "D02" {
		t.Errorf("peripheral status id = %q", sub.StatusID())
	}
}

func TestSubscribeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["hid"] != "7" {
			t.Errorf("hid = %v", body["hid"])
		}
		user, _ := body["userInfo"].(map[string]interface{})
		if push, _ := user["pushId"].(string); len(push) != 32 {
			t.Errorf("pushId should be a bare 32-char id, got %q", push)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"deviceName": "sub-1", "productKey": "pk1", "deviceSecret": "shh",
				"mqttHostUrl": "broker.example.com:1883",
				"expire":      time.Now().Add(time.Hour).UnixMilli(),
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	creds, err := c.SubscribeStatus(context.Background(), "tok-1", []int64{7}, []SubscribeDevice{{DeviceName: "AB:CD", MID: "100", ProductKey: "pk1"}})
	if err != nil {
		t.Fatalf("SubscribeStatus failed: %v", err)
	}
	if creds.DeviceName != "sub-1" || creds.DeviceSecret != "shh" {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if time.Until(creds.ExpiresAt()) < 30*time.Minute {
		t.Errorf("expiry %v too close", creds.ExpiresAt())
	}
}
