package handler

import "github.com/labstack/echo/v4"

func ErrorResponse(c echo.Context, code int, message, errorCode, detail string) error {
	return c.JSON(code, map[string]interface{}{
		"success": false,
		"message": message,
		"error":   errorCode,
		"detail":  detail,
	})
}

func SuccessResponse(c echo.Context, code int, message string, data interface{}) error {
	return c.JSON(code, map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}
