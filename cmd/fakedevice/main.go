package main

import (
	"flag"
	"math"
	"net"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/location/source/framed"
)

func main() {
	addr := flag.String("address", "localhost:5000", "device feed address")
	serial := flag.String("serial", "0123456789012345", "device serial")
	lat := flag.Float64("lat", 40.7589, "orbit center latitude")
	lon := flag.Float64("lon", -73.9851, "orbit center longitude")
	radius := flag.Float64("radius", 0.5, "orbit radius in km")
	steps := flag.Int("steps", 60, "fixes per orbit")
	interval := flag.Duration("interval", time.Second, "time between fixes")
	nofix := flag.Int("nofix_every", 0, "send a no-fix report every n messages, 0 disables")
	proxy_src := flag.String("proxy_src", "", "prepend a PROXY v1 header with this source ip:port")
	flag.Parse()
	if *steps <= 0 {
		*steps = 60
	}

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer c.Close()
	if *proxy_src != "" {
		src, err := net.ResolveTCPAddr("tcp4", *proxy_src)
		if err != nil {
			log.Fatal().Err(err).Msg("proxy source")
		}
		h := &proxyproto.Header{
			Version:           1,
			Command:           proxyproto.PROXY,
			TransportProtocol: proxyproto.TCPv4,
			SourceAddr:        src,
			DestinationAddr:   c.RemoteAddr(),
		}
		if _, err := h.WriteTo(c); err != nil {
			log.Fatal().Err(err).Msg("proxy header")
		}
	}

	login := framed.LoginMessage{SnType: "imei", Serial: *serial, DeviceType: "fakedevice"}
	if err := framed.WriteFrame(c, framed.LOGIN, login); err != nil {
		log.Fatal().Err(err).Msg("login")
	}
	log.Info().Str("serial", *serial).Str("addr", *addr).Msg("logged in")

	center := geo.Position{Latitude: *lat, Longitude: *lon}
	for i := 0; ; i++ {
		msg := framed.LocationMessage{GpsTime: time.Now().UTC(), SatInview: 12, SatUsed: 8, Fix: true, FixMode: "3D", Speed: 18}
		if *nofix > 0 && i > 0 && i%*nofix == 0 {
			msg.Fix = false
			msg.SatUsed = 0
		} else {
			p := orbit(center, *radius, float64(i%*steps)/float64(*steps))
			msg.Latitude, msg.Longitude = p.Latitude, p.Longitude
			msg.Accuracy = 5
		}
		if err := framed.WriteFrame(c, framed.LOCATION_UPDATE, msg); err != nil {
			log.Fatal().Err(err).Msg("write")
		}
		log.Debug().Float64("lat", msg.Latitude).Float64("lon", msg.Longitude).Bool("fix", msg.Fix).Msg("sent")
		time.Sleep(*interval)
	}
}

// orbit returns the point at fraction f of a circle of radius km around c.
func orbit(c geo.Position, km, f float64) geo.Position {
	a := 2 * math.Pi * f
	dlat := km / 111.32 * math.Sin(a)
	dlon := km / (111.32 * math.Cos(c.Latitude*math.Pi/180)) * math.Cos(a)
	return geo.Position{Latitude: c.Latitude + dlat, Longitude: c.Longitude + dlon}
}
