//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package sink

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/mongoose-os/probe-run/cli/defmt"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTOptsFromURL parses mqtt[s]://[user:pass@]host[:port]/topic into client
// options and the topic.
func MQTTOptsFromURL(us, clientID string) (*mqtt.ClientOptions, string, error) {
	u, err := url.Parse(us)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	topic := strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return nil, "", errors.Errorf("%q: no topic", us)
	}
	if clientID == "" {
		clientID = "probe-run-" + uuid.NewString()
	}
	u.Path = ""
	switch u.Scheme {
	case "mqtts":
		u.Scheme = "tcps"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 8883)
		}
	case "mqtt":
		u.Scheme = "tcp"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 1883)
		}
	default:
		return nil, "", errors.NotSupportedf("scheme %q", u.Scheme)
	}
	opts := mqtt.NewClientOptions()
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pass, isSet := u.User.Password(); isSet {
			opts.SetPassword(pass)
		}
		u.User = nil
	}
	opts.AddBroker(u.String())
	opts.SetClientID(clientID)
	return opts, topic, nil
}

// MQTT publishes records as JSON to a topic.
type MQTT struct {
	cli   mqtt.Client
	topic string
	runID string
}

func NewMQTT(us, runID string) (*MQTT, error) {
	opts, topic, err := MQTTOptsFromURL(us, "")
	if err != nil {
		return nil, errors.Annotatef(err, "invalid MQTT URL")
	}
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		glog.Errorf("MQTT connection lost: %s", err)
	})
	cli := mqtt.NewClient(opts)
	glog.Infof("Connecting to %s...", opts.Servers[0])
	token := cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "MQTT connect error")
	}
	return &MQTT{cli: cli, topic: topic, runID: runID}, nil
}

func (m *MQTT) Emit(r *defmt.Record) error {
	data, err := marshalRecord(m.runID, r)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("MQTT publish [%s] %s", m.topic, data)
	token := m.cli.Publish(m.topic, 0 /* qos */, false /* retained */, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errors.Errorf("MQTT publish to %s timed out", m.topic)
	}
	return errors.Annotatef(token.Error(), "MQTT publish error")
}

func (m *MQTT) Close() error {
	m.cli.Disconnect(250)
	return nil
}
