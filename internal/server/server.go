package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/fiskal/internal/audit"
	auditdomain "github.com/smallbiznis/fiskal/internal/audit/domain"
	"github.com/smallbiznis/fiskal/internal/config"
	"github.com/smallbiznis/fiskal/internal/creditnote"
	creditnotedomain "github.com/smallbiznis/fiskal/internal/creditnote/domain"
	"github.com/smallbiznis/fiskal/internal/customer"
	customerdomain "github.com/smallbiznis/fiskal/internal/customer/domain"
	"github.com/smallbiznis/fiskal/internal/invoice"
	invoicedomain "github.com/smallbiznis/fiskal/internal/invoice/domain"
	"github.com/smallbiznis/fiskal/internal/locks"
	"github.com/smallbiznis/fiskal/internal/numbering"
	"github.com/smallbiznis/fiskal/internal/observability"
	obsmiddleware "github.com/smallbiznis/fiskal/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fiskal/internal/observability/metrics"
	obstracing "github.com/smallbiznis/fiskal/internal/observability/tracing"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	customer.Module,
	numbering.Module,
	locks.Module,
	invoice.Module,
	creditnote.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	invoiceSvc    invoicedomain.Service
	creditNoteSvc creditnotedomain.Service
	customerSvc   customerdomain.Service
	auditSvc      auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	InvoiceSvc    invoicedomain.Service
	CreditNoteSvc creditnotedomain.Service
	CustomerSvc   customerdomain.Service
	AuditSvc      auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		invoiceSvc:    p.InvoiceSvc,
		creditNoteSvc: p.CreditNoteSvc,
		customerSvc:   p.CustomerSvc,
		auditSvc:      p.AuditSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.OrgContext())

	api.GET("/customers", s.ListCustomers)
	api.POST("/customers", s.CreateCustomer)
	api.GET("/customers/:id", s.GetCustomerByID)
	api.PATCH("/customers/:id", s.UpdateCustomer)

	api.GET("/invoices", s.ListInvoices)
	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.PATCH("/invoices/:id", s.UpdateInvoiceDraft)
	api.POST("/invoices/:id/status", s.UpdateInvoiceStatus)
	api.POST("/invoices/:id/issue", s.IssueInvoice)
	api.GET("/invoices/:id/can-edit", s.CanEditInvoice)
	api.GET("/invoices/:id/verify", s.VerifyInvoiceIntegrity)
	api.GET("/invoices/:id/audit-trail", s.GetInvoiceAuditTrail)
	api.POST("/invoices/:id/credit-notes", s.CreateCreditNote)

	api.GET("/credit-notes", s.ListCreditNotes)
	api.GET("/credit-notes/:id", s.GetCreditNoteByID)

	api.GET("/audit-logs", s.ListAuditLogs)
}
