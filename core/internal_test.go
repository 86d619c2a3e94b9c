// Just a check.v1 wrapper to allow running selected suites with:
// go test -v -check.f LifecycleSuite ./core

package core

import (
	"context"
	"net/http"
	"os"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/valandreev/sitecache/core/cfg"
	"github.com/valandreev/sitecache/log"
)

var testLog = log.GetLogger("test")

func TestCheckSuites(t *testing.T) {
	TestingT(t)
}

func TestMain(m *testing.M) {
	if err := cfg.InitLoggers(&cfg.FlagStorage{LogLevel: "warn", LogFormat: "console"}); err != nil {
		panic(err)
	}

	log.DumpLoggers(os.Stderr, "TestMain")

	os.Exit(m.Run())
}

type LifecycleSuite struct {
	f *fixture
}

var _ = Suite(&LifecycleSuite{})

func (s *LifecycleSuite) SetUpTest(c *C) {
	s.f = buildFixture(c, c.MkDir())
}

func (s *LifecycleSuite) TestInstallPrecachesManifest(c *C) {
	w := s.f.deploy(c, s.f.conf)

	c.Assert(s.f.keys(c, staticV1), DeepEquals, []string{"GET /", "GET /offline.html"})
	c.Assert(s.f.keys(c, offlineV1), DeepEquals, []string{"GET /offline.html"})
	c.Assert(w.State(), Equals, StateActive)
}

func (s *LifecycleSuite) TestRootServedOfflineAfterInstall(c *C) {
	w := s.f.deploy(c, s.f.conf)
	s.f.origin.setOffline(true)

	resp := w.HandleFetch(get("/"))
	c.Assert(resp.Status, Equals, http.StatusOK)
	c.Assert(string(resp.Body), Equals, "<h1>home</h1>")
}

func (s *LifecycleSuite) TestInstallIsAllOrNothing(c *C) {
	conf := testConfig(c, "v1.0.0")
	conf.Precache = []string{"/", "/missing.css", "/offline.html"}

	_, err := s.f.host.Deploy(context.Background(), conf)
	c.Assert(err, ErrorMatches, ".*install failed.*")
	c.Assert(s.f.host.Active(), IsNil)

	for _, part := range []string{staticV1, offlineV1} {
		c.Assert(s.f.keys(c, part), HasLen, 0)
	}
}

func (s *LifecycleSuite) TestInstallFailsWhenOriginDown(c *C) {
	s.f.origin.setOffline(true)

	_, err := s.f.host.Deploy(context.Background(), s.f.conf)
	c.Assert(err, NotNil)
	c.Assert(s.f.host.Active(), IsNil)
}

func (s *LifecycleSuite) TestWorkerCannotInstallTwice(c *C) {
	w := s.f.deploy(c, s.f.conf)
	err := w.Dispatch(context.Background(), &InstallEvent{})
	c.Assert(err, ErrorMatches, ".*invalid worker state.*")
}

func (s *LifecycleSuite) TestActivateDeletesOlderVersionsOnly(c *C) {
	s.f.deploy(c, s.f.conf)
	ctx := context.Background()
	c.Assert(s.f.reg.EnsurePartition(ctx, "folio-v3.0.0-dynamic"), IsNil)
	c.Assert(s.f.reg.EnsurePartition(ctx, "other-v0.1.0-static"), IsNil)

	w2 := s.f.deploy(c, testConfig(c, "v2.0.0"))
	testLog.Debugf("activated %s", w2.Version())

	status, err := s.f.reg.Status(ctx)
	c.Assert(err, IsNil)
	for _, gone := range []string{staticV1, dynamicV1, offlineV1} {
		_, ok := status[gone]
		c.Check(ok, Equals, false, Commentf("%s should be deleted", gone))
	}
	for _, kept := range []string{"folio-v2.0.0-static", "folio-v2.0.0-dynamic", "folio-v2.0.0-offline", "folio-v3.0.0-dynamic", "other-v0.1.0-static"} {
		_, ok := status[kept]
		c.Check(ok, Equals, true, Commentf("%s should be kept", kept))
	}
}

func (s *LifecycleSuite) TestNewVersionWaitsWithoutSkipWaiting(c *C) {
	v1 := s.f.deploy(c, s.f.conf)

	conf := testConfig(c, "v2.0.0")
	off := false
	conf.SkipWaiting = &off
	v2, err := s.f.host.Deploy(context.Background(), conf)
	c.Assert(err, IsNil)
	c.Assert(v2.State(), Equals, StateWaiting)
	c.Assert(s.f.host.Active(), Equals, v1)
	c.Assert(s.f.host.Waiting(), Equals, v2)

	reply, err := s.f.host.HandleMessage(context.Background(), Message{Type: MsgSkipWaiting, ID: "1"})
	c.Assert(err, IsNil)
	c.Assert(reply, NotNil)
	c.Assert(reply.Type, Equals, MsgActivated)
	c.Assert(reply.ID, Equals, "1")
	c.Assert(s.f.host.Active(), Equals, v2)
	c.Assert(v1.State(), Equals, StateRedundant)
	c.Assert(v2.State(), Equals, StateActive)
}

func (s *LifecycleSuite) TestClaimBroadcastsControllerChange(c *C) {
	b := &recordingBroadcaster{}
	s.f.host.SetBroadcaster(b)

	s.f.deploy(c, s.f.conf)
	s.f.deploy(c, testConfig(c, "v1.1.0"))

	msgs := b.messages()
	c.Assert(msgs, HasLen, 2)
	c.Assert(msgs[1].Type, Equals, MsgControllerChanged)
	c.Assert(string(msgs[1].Payload), Matches, `.*"version":"v1.1.0".*`)
}
