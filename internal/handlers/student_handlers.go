package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/kibossChangole/paideia-server/internal/models"
	"github.com/kibossChangole/paideia-server/internal/services"
)

// StudentHandler covers the minimal student/school surface the ledger lives
// on: registration, balance reads and device-token updates.
type StudentHandler struct {
	db    *gorm.DB
	cache *services.RedisCache
}

func NewStudentHandler(db *gorm.DB, cache *services.RedisCache) *StudentHandler {
	return &StudentHandler{db: db, cache: cache}
}

type createSchoolRequest struct {
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	County       string  `json:"county"`
	FeeStructure float64 `json:"fee_structure"`
}

// CreateSchool registers an institution.
func (h *StudentHandler) CreateSchool(c echo.Context) error {
	var req createSchoolRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Code == "" || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code and name are required")
	}
	if req.FeeStructure < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fee_structure cannot be negative")
	}

	school := models.School{
		Code:         req.Code,
		Name:         req.Name,
		County:       req.County,
		FeeStructure: req.FeeStructure,
	}
	if err := h.db.WithContext(c.Request().Context()).Create(&school).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create school")
	}

	return c.JSON(http.StatusCreated, school)
}

type createStudentRequest struct {
	StudentID     string `json:"student_id"`
	Name          string `json:"name"`
	SchoolCode    string `json:"school_code"`
	GuardianPhone string `json:"guardian_phone"`
}

// CreateStudent registers a student; the opening fee balance is seeded from
// the school's fee structure.
func (h *StudentHandler) CreateStudent(c echo.Context) error {
	var req createStudentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.StudentID == "" || req.Name == "" || req.SchoolCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "student_id, name and school_code are required")
	}

	ctx := c.Request().Context()

	var school models.School
	if err := h.db.WithContext(ctx).Where("code = ?", req.SchoolCode).First(&school).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "School not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to look up school")
	}

	student := models.Student{
		StudentID:     req.StudentID,
		Name:          req.Name,
		SchoolID:      school.ID,
		GuardianPhone: req.GuardianPhone,
		FeeBalance:    school.FeeStructure,
	}
	if err := h.db.WithContext(ctx).Create(&student).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create student")
	}

	return c.JSON(http.StatusCreated, student)
}

// GetStudent returns one student by business id.
func (h *StudentHandler) GetStudent(c echo.Context) error {
	studentID := c.Param("studentID")

	var student models.Student
	err := h.db.WithContext(c.Request().Context()).
		Preload("School").
		Where("student_id = ?", studentID).
		First(&student).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Student not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch student")
	}

	return c.JSON(http.StatusOK, student)
}

// GetBalance returns the student's outstanding fee balance, served through
// the cache. Settlement invalidates the cache key, so a stale read window is
// bounded by the TTL only when the invalidation itself fails.
func (h *StudentHandler) GetBalance(c echo.Context) error {
	studentID := c.Param("studentID")
	ctx := c.Request().Context()

	fetch := func() (float64, error) {
		var student models.Student
		if err := h.db.WithContext(ctx).Where("student_id = ?", studentID).First(&student).Error; err != nil {
			return 0, err
		}
		return student.FeeBalance, nil
	}

	var (
		balance float64
		err     error
	)
	if h.cache != nil {
		balance, err = services.GetOrSet(h.cache, ctx, services.BalanceCacheKey(studentID), 5*time.Minute, fetch)
	} else {
		balance, err = fetch()
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Student not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch balance")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"student_id":  studentID,
		"fee_balance": balance,
	})
}

type deviceTokenRequest struct {
	DeviceToken string `json:"device_token"`
}

// UpdateDeviceToken stores the FCM token used for settlement notifications.
func (h *StudentHandler) UpdateDeviceToken(c echo.Context) error {
	studentID := c.Param("studentID")

	var req deviceTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	res := h.db.WithContext(c.Request().Context()).
		Model(&models.Student{}).
		Where("student_id = ?", studentID).
		Update("device_token", req.DeviceToken)
	if res.Error != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to update device token")
	}
	if res.RowsAffected == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "Student not found")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
