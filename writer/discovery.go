package writer

import "fmt"

// DiscoveryDevice groups the announced sensors under one device entry
// in Home Assistant.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryConfig is the payload of one Home Assistant MQTT discovery
// announcement.
type DiscoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	StateTopic          string          `json:"state_topic"`
	ValueTemplate       string          `json:"value_template"`
	UnitOfMeasurement   string          `json:"unit_of_measurement"`
	DeviceClass         string          `json:"device_class"`
	StateClass          string          `json:"state_class"`
	AvailabilityTopic   string          `json:"availability_topic"`
	PayloadAvailable    string          `json:"payload_available"`
	PayloadNotAvailable string          `json:"payload_not_available"`
	Device              DiscoveryDevice `json:"device"`
}

// DiscoverySensor couples a discovery payload with the config topic it
// is announced on.
type DiscoverySensor struct {
	Topic  string
	Config DiscoveryConfig
}

// meterSuffix derives the short sensor suffix from a meter point
// number. Full Zählpunkt numbers are 33 characters and unwieldy as
// entity ids, so only the last 8 are used.
func meterSuffix(zaehlpunkt string) string {
	if len(zaehlpunkt) > 8 {
		return zaehlpunkt[len(zaehlpunkt)-8:]
	}
	return zaehlpunkt
}

// DiscoverySensors builds the two sensor announcements for a meter
// point: the 15-minute delta sensor and the daily total sensor that
// feeds the energy dashboard.
func DiscoverySensors(zaehlpunkt, baseTopic, discoveryPrefix, appName, appVersion string) []DiscoverySensor {
	suffix := meterSuffix(zaehlpunkt)
	availability := baseTopic + "/" + topicAvailability

	device := DiscoveryDevice{
		Identifiers:  []string{"wnsm_" + suffix},
		Name:         "Wiener Netze Smart Meter " + suffix,
		Model:        "Smart Meter",
		Manufacturer: "Wiener Netze",
		SWVersion:    appVersion,
	}
	if appName != "" {
		device.Model = appName
	}

	energyID := "wnsm_energy_" + suffix
	dailyID := "wnsm_daily_total_" + suffix

	return []DiscoverySensor{
		{
			Topic: fmt.Sprintf("%s/sensor/%s/config", discoveryPrefix, energyID),
			Config: DiscoveryConfig{
				Name:                "Energy 15min",
				UniqueID:            energyID,
				StateTopic:          baseTopic + "/" + topic15Min,
				ValueTemplate:       "{{ value_json.delta }}",
				UnitOfMeasurement:   "kWh",
				DeviceClass:         "energy",
				StateClass:          "measurement",
				AvailabilityTopic:   availability,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
				Device:              device,
			},
		},
		{
			Topic: fmt.Sprintf("%s/sensor/%s/config", discoveryPrefix, dailyID),
			Config: DiscoveryConfig{
				Name:                "Energy Daily Total",
				UniqueID:            dailyID,
				StateTopic:          baseTopic + "/" + topicDailyTotal,
				ValueTemplate:       "{{ value_json.total }}",
				UnitOfMeasurement:   "kWh",
				DeviceClass:         "energy",
				StateClass:          "total_increasing",
				AvailabilityTopic:   availability,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
				Device:              device,
			},
		},
	}
}
